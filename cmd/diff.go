package cmd

import (
	"fmt"

	"github.com/pmezard/go-difflib/difflib"
	yaml "gopkg.in/yaml.v2"

	"grimm.is/rime/internal/schema"
)

// RunDiff compares a desired-state file against what is currently running
// and prints a unified diff. Exit is nonzero when they differ, so the
// command works as a check in scripts.
func RunDiff(path, socketPath string) error {
	desired, err := loadDesired(path)
	if err != nil {
		return err
	}

	c, err := connect(socketPath)
	if err != nil {
		return err
	}
	defer c.Close()

	scope := make([]string, 0, len(desired.Interfaces))
	for _, iface := range desired.Interfaces {
		scope = append(scope, iface.Name)
	}
	snap, err := c.Query(scope...)
	if err != nil {
		return err
	}

	currentText, err := yaml.Marshal(currentAsDesired(desired, snap))
	if err != nil {
		return err
	}
	desiredText, err := yaml.Marshal(normalizeDesired(desired))
	if err != nil {
		return err
	}

	if string(currentText) == string(desiredText) {
		fmt.Println("No changes.")
		return nil
	}

	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(currentText)),
		B:        difflib.SplitLines(string(desiredText)),
		FromFile: "running",
		ToFile:   path,
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return err
	}
	fmt.Print(text)
	return fmt.Errorf("desired state differs from running state")
}

// currentAsDesired projects the live snapshot onto the document shape, one
// entry per name the document mentions, so the two sides diff cleanly.
// Kernel bookkeeping the document cannot express is dropped.
func currentAsDesired(desired *schema.DesiredState, snap *schema.UnifiedSnapshot) *schema.DesiredState {
	out := &schema.DesiredState{}
	for _, want := range desired.Interfaces {
		got, ok := snap.Interfaces[want.Name]
		if !ok {
			out.Interfaces = append(out.Interfaces, schema.Interface{
				Name: want.Name, Type: want.Type, State: schema.StateAbsent,
			})
			continue
		}
		got.Index = 0
		got.Sources = nil
		got.OwnerPlugin = ""
		// Only diff properties the document takes a position on; plugins
		// and the kernel report plenty the operator never asked about.
		if len(want.Properties) > 0 {
			kept := make(map[string]any, len(want.Properties))
			for key := range want.Properties {
				if v, ok := got.Properties[key]; ok {
					kept[key] = v
				}
			}
			got.Properties = kept
		} else {
			got.Properties = nil
		}
		out.Interfaces = append(out.Interfaces, got)
	}
	return out
}

// normalizeDesired clears fields the daemon fills in, so an apply-then-diff
// round trip is quiet.
func normalizeDesired(desired *schema.DesiredState) *schema.DesiredState {
	out := &schema.DesiredState{Interfaces: make([]schema.Interface, len(desired.Interfaces))}
	for i, iface := range desired.Interfaces {
		iface.Index = 0
		iface.Sources = nil
		iface.OwnerPlugin = ""
		if len(iface.Properties) == 0 {
			iface.Properties = nil
		}
		if iface.State == "" {
			iface.State = schema.StateUp
		}
		out.Interfaces[i] = iface
	}
	return out
}
