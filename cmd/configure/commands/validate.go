package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/benvon/cohort-tags/internal/catalog"
	"github.com/benvon/cohort-tags/internal/models"
	"github.com/benvon/cohort-tags/internal/storage"
	"github.com/benvon/cohort-tags/internal/validation"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// ErrInvalidTags is returned by validate when any tag in the file fails
var ErrInvalidTags = errors.New("tag file has invalid tags")

// NewValidateCmd creates the validate command
func NewValidateCmd(env *Env) *cobra.Command {
	var projectID string

	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Validate a YAML or JSON tag file",
		Long: "Validate every tag in FILE against the configured data model and event catalog.\n" +
			"FILE holds a list of tags, a {tags: [...]} document or a {library: [...], custom: [...]} document.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tags, err := readTagFile(args[0])
			if err != nil {
				return err
			}
			return env.withRuntime(cmd.Context(), func(rt *Runtime) error {
				out := cmd.OutOrStdout()
				failed := 0
				for i, tag := range tags {
					others := append(append([]models.Tag{}, tags[:i]...), tags[i+1:]...)
					res, err := rt.Services.Repository.Validate(cmd.Context(), projectID, tag, others)
					if err != nil {
						return fmt.Errorf("failed to validate %s: %w", tag.Name, err)
					}
					c := validation.AnalyzeComplexity(tag.QualificationRules)
					if !res.Valid {
						failed++
						fmt.Fprintf(out, "INVALID %s (%s)\n", tag.Name, tag.ID)
						for _, fe := range res.Errors {
							fmt.Fprintf(out, "  %s: %s\n", fe.Field, fe.Message)
						}
						continue
					}
					status := "OK"
					if !res.Complete {
						status = "DRAFT"
					}
					fmt.Fprintf(out, "%-7s %s (%s) complexity %s, score %d\n", status, tag.Name, tag.ID, c.Level, c.Score)
				}
				fmt.Fprintf(out, "%d tag(s), %d invalid\n", len(tags), failed)
				if failed > 0 {
					return fmt.Errorf("%w: %d of %d", ErrInvalidTags, failed, len(tags))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&projectID, "project", "cli", "Project whose catalog the tags are checked against")
	return cmd
}

// readTagFile decodes a tag file. Tags without an id get a generated one so
// dependency and uniqueness checks can tell them apart.
func readTagFile(path string) ([]models.Tag, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat tag file: %w", err)
	}
	if info.Size() > catalog.MaxFileSize {
		return nil, fmt.Errorf("tag file %s is larger than %d bytes", path, catalog.MaxFileSize)
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read tag file: %w", err)
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse tag file: %w", err)
	}

	var records []any
	switch v := doc.(type) {
	case []any:
		records = v
	case map[string]any:
		for _, key := range []string{"tags", "library", "custom"} {
			if list, ok := v[key].([]any); ok {
				records = append(records, list...)
			}
		}
	default:
		return nil, errors.New("tag file must hold a list of tags or a document with tags, library or custom lists")
	}

	tags := make([]models.Tag, 0, len(records))
	for i, rec := range records {
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		tag, err := storage.DecodeTag(raw)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if strings.TrimSpace(tag.ID) == "" {
			tag.ID = uuid.New().String()
		}
		tags = append(tags, tag)
	}
	return tags, nil
}
