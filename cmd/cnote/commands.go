package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"ciphernotes/pkg/client"
	"ciphernotes/pkg/export"
)

func newCreateCmd(opts *rootOpts) *cobra.Command {
	var (
		autoDelete  bool
		expiryHours float64
	)
	cmd := &cobra.Command{
		Use:   "create [file]",
		Short: "Encrypt a note and print its share reference",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readInput(cmd, args)
			if err != nil {
				return errors.Wrap(err, "read note")
			}
			if len(text) == 0 {
				return errors.New("note is empty")
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			share := client.ShareOptions{AutoDelete: autoDelete}
			if expiryHours > 0 {
				share.ExpiryHours = &expiryHours
			}
			_, stop := opts.startSpinner(cmd.ErrOrStderr(), "Encrypting and uploading...")
			shared, err := c.Share(cmd.Context(), text, share)
			stop()
			if err != nil {
				return explain(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), shared.Ref)
			if !opts.quiet {
				fmt.Fprintln(cmd.ErrOrStderr(), okMark+" Note created "+color.YellowString(shared.ID))
				fmt.Fprintln(cmd.ErrOrStderr(), hintMark+" Anyone holding the reference can read the note")
				if autoDelete {
					fmt.Fprintln(cmd.ErrOrStderr(), hintMark+" It is deleted the first time you open it from this device")
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&autoDelete, "auto-delete", false, "delete the note when its owner next reads it")
	cmd.Flags().Float64Var(&expiryHours, "expiry-hours", 0, "hours until the note expires (0 keeps it)")
	return cmd
}

func newGetCmd(opts *rootOpts) *cobra.Command {
	var (
		format string
		out    string
	)
	cmd := &cobra.Command{
		Use:   "get <ref>",
		Short: "Fetch and decrypt a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			_, stop := opts.startSpinner(cmd.ErrOrStderr(), "Fetching note...")
			note, err := c.Open(cmd.Context(), args[0])
			stop()
			if err != nil {
				return explain(err)
			}
			name, _, body, err := export.Render(format, string(note.Text), time.Now())
			if err != nil {
				return err
			}
			if out == "" && cmd.Flags().Changed("format") && format != export.FormatText {
				out = name
			}
			if out == "" {
				_, err = cmd.OutOrStdout().Write(body)
				return err
			}
			if err := os.WriteFile(out, body, 0o600); err != nil {
				return errors.Wrap(err, "write output")
			}
			if !opts.quiet {
				fmt.Fprintln(cmd.ErrOrStderr(), okMark+" Saved "+color.YellowString(out))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", export.FormatText, "output format ("+strings.Join(export.Formats(), "|")+")")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to this file instead of stdout")
	return cmd
}

func newUpdateCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "update <ref> [file]",
		Short: "Replace a note you own; the reference stays valid",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readInput(cmd, args[1:])
			if err != nil {
				return errors.Wrap(err, "read note")
			}
			if len(text) == 0 {
				return errors.New("note is empty")
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			_, stop := opts.startSpinner(cmd.ErrOrStderr(), "Re-encrypting and uploading...")
			err = c.Edit(cmd.Context(), args[0], text)
			stop()
			if err != nil {
				return explain(err)
			}
			if !opts.quiet {
				fmt.Fprintln(cmd.ErrOrStderr(), okMark+" Note updated")
			}
			return nil
		},
	}
}

func newDeleteCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <ref>",
		Short: "Delete a note you own",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			_, stop := opts.startSpinner(cmd.ErrOrStderr(), "Deleting note...")
			err = c.Remove(cmd.Context(), args[0])
			stop()
			if err != nil {
				return explain(err)
			}
			if !opts.quiet {
				fmt.Fprintln(cmd.ErrOrStderr(), okMark+" Note deleted")
			}
			return nil
		},
	}
}
