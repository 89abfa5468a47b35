package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	backup "github.com/cyrus-imap/backup"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info <userid>",
	Short: "Report chunk, mailbox, and message statistics for a user's backup",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		userid := args[0]
		cfg := loadConfig()

		b, err := backup.Open(cfg, userid)
		if err != nil {
			die("open %s: %s", userid, err)
		}
		defer func() { _ = b.Close() }()

		if err := printInfo(os.Stdout, b); err != nil {
			die("info %s: %s", userid, err)
		}
	},
}

// printInfo renders chunk/mailbox/message counts for a backup, grounded on
// the teacher's printInfo (cmd/info.go): a text summary followed by a
// borderless table of the per-chunk rows.
func printInfo(w io.Writer, b *backup.Backup) error {
	buf := &bytes.Buffer{}

	chunks, err := b.GetChunks()
	if err != nil {
		return err
	}
	defer func() { _ = chunks.Close() }()

	rows := [][]string{}
	var chunkCount int
	for chunks.Next() {
		c := chunks.Chunk()
		chunkCount++
		rows = append(rows, []string{
			fmt.Sprintf("\t#%d", c.ID),
			time.Unix(c.TSStart, 0).UTC().Format(time.RFC3339),
			fmt.Sprintf("%d bytes", c.Length),
			c.DataSHA1,
		})
	}
	if err := chunks.Err(); err != nil {
		return err
	}

	messages, err := b.MessageForeach(nil)
	if err != nil {
		return err
	}
	var messageCount int
	for messages.Next() {
		messageCount++
	}
	if err := messages.Err(); err != nil {
		_ = messages.Close()
		return err
	}
	_ = messages.Close()

	mailboxes, err := b.MailboxForeach(nil)
	if err != nil {
		return err
	}
	var mailboxCount, deletedCount int
	for mailboxes.Next() {
		mailboxCount++
		if mailboxes.Mailbox().Record.Deleted {
			deletedCount++
		}
	}
	if err := mailboxes.Err(); err != nil {
		_ = mailboxes.Close()
		return err
	}
	_ = mailboxes.Close()

	fmt.Fprintf(buf, "chunks: %d\n", chunkCount)
	fmt.Fprintf(buf, "mailboxes: %d (%d deleted)\n", mailboxCount, deletedCount)
	fmt.Fprintf(buf, "messages: %d\n", messageCount)

	if chunkCount > 0 {
		tw := tablewriter.NewWriter(buf)
		tw.SetHeader([]string{"chunk", "ts_start", "length", "data_sha1"})
		tw.SetBorder(false)
		tw.SetAutoWrapText(false)
		tw.SetAlignment(tablewriter.ALIGN_LEFT)
		tw.SetColumnSeparator("")
		tw.AppendBulk(rows)
		tw.Render()
	}

	_, err = buf.WriteTo(w)
	return err
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
