package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"cloudpico-ota/internal/strbuild"
)

func newEncodeCmd(use, short string, hex bool) *cobra.Command {
	var (
		upper     bool
		prefix    bool
		terminate bool
		capacity  int
	)
	cmd := &cobra.Command{
		Use:   use + " <value>",
		Short: short,
		Long: short + ". The value may be written in decimal, 0x hex, 0o octal or 0b binary.\n" +
			"Encoding fails, as on the device, when the result does not fit --capacity bytes.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.ParseUint(args[0], 0, 32)
			if err != nil {
				return fmt.Errorf("invalid value %q: %w", args[0], err)
			}
			if capacity < 0 {
				return fmt.Errorf("invalid capacity %d", capacity)
			}

			opts := strbuild.Options{Base: strbuild.Decimal, Terminate: terminate}
			if hex {
				opts = strbuild.Options{Base: strbuild.Hex, Upper: upper, Prefix: prefix, Terminate: terminate}
			}
			enc := strbuild.NewEncoder(opts)

			dst := make([]byte, capacity)
			n, err := enc.Encode(dst, uint32(v))
			if err != nil {
				return fmt.Errorf("encode %d into %d bytes (needs %d): %w", v, capacity, enc.Len(uint32(v)), err)
			}
			out := dst[:n]
			if terminate {
				out = out[:n-1]
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", out, n)
			return err
		},
	}
	if hex {
		cmd.Flags().BoolVar(&upper, "upper", false, "use upper-case hex digits")
		cmd.Flags().BoolVar(&prefix, "prefix", false, "prepend 0x")
	}
	cmd.Flags().BoolVar(&terminate, "nul", false, "append a NUL terminator (counted in the length)")
	cmd.Flags().IntVar(&capacity, "capacity", strbuild.U32BufferSize, "destination capacity in bytes")
	return cmd
}
