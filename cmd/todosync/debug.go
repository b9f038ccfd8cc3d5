package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/astromechza/todosync/pkg/doc"
	"github.com/astromechza/todosync/pkg/viz"
)

// debugActor is never used to write; loading needs some actor.
var debugActor = strings.Repeat("f", 32)

func debugCmd() *cobra.Command {
	var svgPath string
	cmd := &cobra.Command{
		Use:   "debug <save-file>",
		Short: "Print the heads, change log and DOT graph of a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read input file: %w", err)
			}
			s, err := doc.Load(raw, debugActor)
			if err != nil {
				return fmt.Errorf("failed to load doc: %w", err)
			}

			st, err := s.State()
			if err != nil {
				return err
			}
			log.Info().Interface("heads", s.Heads()).Int("lists", len(st.Lists)).Msg("loaded doc")

			history, err := s.History()
			if err != nil {
				return err
			}
			for i, ch := range history {
				log.Info().
					Str("i", fmt.Sprintf("%4d", i)).
					Str("hash", ch.Hash.String()).
					Str("actor", ch.Actor).
					Uint64("seq", ch.Seq).
					Str("message", ch.Message).
					Time("time", ch.Time).
					Int("deps", len(ch.Deps)).
					Msg("change")
			}

			if err := viz.WriteDOT(cmd.OutOrStdout(), s); err != nil {
				return err
			}
			if svgPath != "" {
				if err := viz.RenderSVG(s, svgPath); err != nil {
					return err
				}
				log.Info().Str("path", "file://"+svgPath).Msg("rendered")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&svgPath, "svg", "", "also render the change graph to this SVG file")
	return cmd
}
