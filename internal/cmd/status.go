package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"cloudpico-ota/internal/config"
	"cloudpico-ota/internal/ota"
	"cloudpico-ota/internal/strbuild"
)

func newStatusCmd() *cobra.Command {
	var (
		reason  string
		version string
		upper   bool
	)
	cmd := &cobra.Command{
		Use:   "status <received/total | SUCCEEDED | FAILED | REJECTED>",
		Short: "Print a job status payload as the agent publishes it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var buf [ota.StatusMaxLen]byte
			var n int

			if received, total, ok := parseProgress(args[0]); ok {
				var err error
				if n, err = ota.InProgressStatus(buf[:], received, total); err != nil {
					return err
				}
			} else {
				v, err := config.ParseVersion(version)
				if err != nil {
					return err
				}
				enc := strbuild.NewEncoder(strbuild.Options{Base: strbuild.Hex, Prefix: true, Upper: upper})
				if n, err = ota.FinalStatusWith(buf[:], enc, ota.JobStatus(args[0]), reason, v); err != nil {
					return err
				}
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), string(buf[:n]))
			return err
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "accepted", "statusDetails.reason of a final status")
	cmd.Flags().StringVar(&version, "version", "0.0.0", "firmware version reported as updatedBy")
	cmd.Flags().BoolVar(&upper, "upper", false, "upper-case hex in updatedBy")
	return cmd
}

func parseProgress(s string) (received, total uint32, ok bool) {
	r, t, found := strings.Cut(s, "/")
	if !found {
		return 0, 0, false
	}
	rv, err := strconv.ParseUint(r, 10, 32)
	if err != nil {
		return 0, 0, false
	}
	tv, err := strconv.ParseUint(t, 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return uint32(rv), uint32(tv), true
}
