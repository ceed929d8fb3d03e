package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/zulandar/threadyard/internal/models"
	"github.com/zulandar/threadyard/internal/store"
)

type exportFlags struct {
	configPath string
	start, end string
	channel    string
	output     string
}

func newExportCmd() *cobra.Command {
	var f exportFlags

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write stored conversations as JSON lines",
		Long: `Writes one JSON object per conversation, oldest first, with its channel name
and date. Without --start/--end every stored conversation is exported.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, f)
		},
	}

	cmd.Flags().StringVarP(&f.configPath, "config", "c", defaultConfigPath, "path to Threadyard config file")
	cmd.Flags().StringVar(&f.start, "start", "", "first day to export (YYYY-MM-DD, UTC)")
	cmd.Flags().StringVar(&f.end, "end", "", "day after the last day to export (YYYY-MM-DD, exclusive)")
	cmd.Flags().StringVar(&f.channel, "channel", "", "export only this channel ID")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "write to this file instead of stdout")
	return cmd
}

func runExport(cmd *cobra.Command, f exportFlags) error {
	cfg, logger, err := loadConfig(cmd, f.configPath)
	if err != nil {
		return err
	}
	start, err := parseDate("start", f.start)
	if err != nil {
		return err
	}
	end, err := parseDate("end", f.end)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	s, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	convs, err := s.GetConversations(ctx, store.Filter{Start: start, End: end, ChannelID: f.channel})
	if err != nil {
		return err
	}

	channelName := func(id string) string {
		ch, _ := cfg.Channel(id)
		return ch.Name
	}

	var n int
	if f.output == "" {
		n, err = writeJSONL(cmd.OutOrStdout(), convs, channelName)
	} else {
		n, err = writeJSONLFile(f.output, convs, channelName)
	}
	if err != nil {
		return err
	}
	logger.Debug("export: done", "conversations", n, "channel", f.channel)
	if f.output != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %d conversations to %s\n", n, f.output)
	}
	return nil
}

// writeJSONLFile writes the export to path. A failed close is reported,
// since buffered data may not have reached the disk.
func writeJSONLFile(path string, convs []models.Conversation, channelName func(string) string) (n int, err error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
	}()
	return writeJSONL(file, convs, channelName)
}

func writeJSONL(w io.Writer, convs []models.Conversation, channelName func(string) string) (int, error) {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for i, c := range convs {
		if err := enc.Encode(models.NewConversationDocument(c, channelName(c.ChannelID))); err != nil {
			return i, fmt.Errorf("encode %s: %w", c.ThreadID, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return len(convs), fmt.Errorf("flush export: %w", err)
	}
	return len(convs), nil
}
