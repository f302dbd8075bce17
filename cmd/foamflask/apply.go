package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/foamflask/foamflask/pkg/storage"
	"github.com/foamflask/foamflask/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply case settings from a YAML file",
	Long: `Apply per-case dashboard settings from a YAML file. A file may hold
several documents separated by ---.

Example:
  kind: Settings
  metadata:
    name: incompressible/cavity
  spec:
    max_points: 200
    p_inf: 0
    rho: 1
    u_inf: 1
    fields: [p, U]

  foamflask apply -f cavity.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// Resource is one document of an apply file
type Resource struct {
	Kind     string           `yaml:"kind"`
	Metadata ResourceMetadata `yaml:"metadata"`
	Spec     SettingsSpec     `yaml:"spec"`
}

type ResourceMetadata struct {
	Name string `yaml:"name"`
}

// SettingsSpec mirrors types.Settings for YAML
type SettingsSpec struct {
	MaxPoints int      `yaml:"max_points"`
	PInf      float64  `yaml:"p_inf"`
	Rho       float64  `yaml:"rho"`
	UInf      float64  `yaml:"u_inf"`
	Fields    []string `yaml:"fields"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	resources, err := parseResources(data)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	for _, res := range resources {
		if err := store.SaveSettings(res.settings()); err != nil {
			return fmt.Errorf("failed to apply settings for %s: %w", res.Metadata.Name, err)
		}
		fmt.Printf("✓ Settings applied: %s\n", res.Metadata.Name)
	}
	return nil
}

// parseResources decodes every document and validates it
func parseResources(data []byte) ([]Resource, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []Resource
	for {
		var res Resource
		err := dec.Decode(&res)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
		if res.Kind != "Settings" {
			return nil, fmt.Errorf("unsupported resource kind: %q", res.Kind)
		}
		if res.Metadata.Name == "" {
			return nil, errors.New("metadata.name is required")
		}
		if res.Spec.MaxPoints < 0 || res.Spec.Rho < 0 || res.Spec.UInf < 0 {
			return nil, fmt.Errorf("%s: max_points, rho and u_inf must not be negative", res.Metadata.Name)
		}
		out = append(out, res)
	}
	if len(out) == 0 {
		return nil, errors.New("no resources in file")
	}
	return out, nil
}

func (r Resource) settings() *types.Settings {
	return &types.Settings{
		Case:      r.Metadata.Name,
		MaxPoints: r.Spec.MaxPoints,
		PInf:      r.Spec.PInf,
		Rho:       r.Spec.Rho,
		UInf:      r.Spec.UInf,
		Fields:    r.Spec.Fields,
	}
}
