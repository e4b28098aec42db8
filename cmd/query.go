package cmd

// RunQuery fetches and prints the unified state. With asYAML the raw
// snapshot is dumped instead of the table.
func RunQuery(socketPath string, scope []string, asYAML bool) error {
	c, err := connect(socketPath)
	if err != nil {
		return err
	}
	defer c.Close()

	snap, err := c.Query(scope...)
	if err != nil {
		return err
	}
	if asYAML {
		return printYAML(snap)
	}
	renderSnapshot(snap)
	return nil
}
