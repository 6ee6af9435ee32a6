package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"persona-relay/internal/persona"
)

func newPersonasCmd(configFile *string) *cobra.Command {
	personasCmd := &cobra.Command{
		Use:   "personas",
		Short: "Inspect the persona store without starting the bot",
	}
	personasCmd.AddCommand(newPersonasListCmd(configFile))

	return personasCmd
}

func newPersonasListCmd(configFile *string) *cobra.Command {
	var (
		file    string
		backend string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored personas and user assignments",
		Long: `List reads the persona store offline. Without --file the store configured in
the bot config file is used, falling back to ` + persona.DefaultJSONPath + `.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			source, err := resolvePersonaSource(*configFile, file, backend)
			if err != nil {
				return err
			}

			snapshot, err := loadPersonaSnapshot(cmd.Context(), source)
			if err != nil {
				return err
			}

			return printPersonaSnapshot(cmd.OutOrStdout(), source, snapshot)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "persona store file to read")
	cmd.Flags().StringVar(&backend, "backend", "", "store backend: json or sqlite (default: by file extension)")

	return cmd
}

func resolvePersonaSource(configFile string, file string, backend string) (personasConfig, error) {
	source := defaultAppConfig().personas
	backend = strings.ToLower(strings.TrimSpace(backend))

	if file = strings.TrimSpace(file); file != "" {
		source.path = file
		source.backend = backend
		if source.backend == "" {
			source.backend = backendForPath(file)
		}

		return source, nil
	}

	path, err := resolveConfigFilePath(configFile)
	if err == nil {
		cfg := defaultAppConfig()
		if err := applyConfigFile(&cfg, path); err != nil {
			return personasConfig{}, err
		}
		source = cfg.personas
	}
	if backend != "" {
		source.backend = backend
	}

	return source, nil
}

func backendForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return persona.BackendSQLite
	default:
		return persona.BackendJSON
	}
}

func loadPersonaSnapshot(ctx context.Context, source personasConfig) (persona.Snapshot, error) {
	if _, err := os.Stat(source.path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return persona.Snapshot{}, fmt.Errorf("persona store %s does not exist", source.path)
		}
		return persona.Snapshot{}, fmt.Errorf("stat persona store %s: %w", source.path, err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend, err := persona.OpenBackend(ctx, source.backend, source.path, logger)
	if err != nil {
		return persona.Snapshot{}, fmt.Errorf("open persona backend %s: %w", source.path, err)
	}
	defer func() {
		_ = backend.Close()
	}()

	snapshot, err := backend.Load(ctx)
	if err != nil {
		return persona.Snapshot{}, fmt.Errorf("load persona store: %w", err)
	}

	return snapshot, nil
}

func printPersonaSnapshot(out io.Writer, source personasConfig, snapshot persona.Snapshot) error {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	fmt.Fprintln(out)
	cyan.Fprintf(out, "  Personas (%d)\n", len(snapshot.Personas))
	yellow.Fprintf(out, "  %s store %s, next id %d\n", source.backend, source.path, snapshot.NextID)

	personaIDs := slices.Sorted(maps.Keys(snapshot.Personas))
	if len(personaIDs) == 0 {
		fmt.Fprintln(out, "  (no personas)")
	} else {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  ID\tNAME\tAVATAR")
		fmt.Fprintln(w, "  --\t----\t------")
		for _, id := range personaIDs {
			p := snapshot.Personas[id]
			fmt.Fprintf(w, "  %d\t%s\t%s\n", p.ID, p.Name, p.AvatarURL)
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("write personas: %w", err)
		}
	}

	fmt.Fprintln(out)
	cyan.Fprintf(out, "  Assignments (%d)\n", len(snapshot.Assignments))

	userIDs := slices.Sorted(maps.Keys(snapshot.Assignments))
	if len(userIDs) == 0 {
		fmt.Fprintln(out, "  (no assignments)")
		fmt.Fprintln(out)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  USER\tPERSONA")
	fmt.Fprintln(w, "  ----\t-------")
	var dangling []int64
	for _, userID := range userIDs {
		personaID := snapshot.Assignments[userID]
		p, ok := snapshot.Personas[personaID]
		if !ok {
			dangling = append(dangling, userID)
			fmt.Fprintf(w, "  %d\t%d: (missing)\n", userID, personaID)
			continue
		}
		fmt.Fprintf(w, "  %d\t%d: %s\n", userID, p.ID, p.Name)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write assignments: %w", err)
	}
	if len(dangling) > 0 {
		red.Fprintf(out, "  %d assignment(s) reference missing personas\n", len(dangling))
	}
	fmt.Fprintln(out)

	return nil
}
