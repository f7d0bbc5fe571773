package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"cloudpico-ota/internal/ota"
)

type topicKind struct {
	arg   string
	build func(buf []byte, thing, arg string) (int, error)
}

var topicKinds = map[string]topicKind{
	"notify-next": {build: func(buf []byte, thing, _ string) (int, error) { return ota.NotifyNextTopic(buf, thing) }},
	"get-next":    {build: func(buf []byte, thing, _ string) (int, error) { return ota.GetNextTopic(buf, thing) }},
	"update":      {arg: "job id", build: ota.JobUpdateTopic},
	"data":        {arg: "stream", build: ota.StreamDataTopic},
	"get":         {arg: "stream", build: ota.StreamGetTopic},
}

func newTopicCmd() *cobra.Command {
	var thing string

	kinds := make([]string, 0, len(topicKinds))
	for k := range topicKinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	cmd := &cobra.Command{
		Use:       "topic <kind> [job id | stream]",
		Short:     "Print an MQTT topic of the job and stream services",
		ValidArgs: kinds,
		Args:      cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, ok := topicKinds[args[0]]
			if !ok {
				return fmt.Errorf("unknown topic kind %q (known: %v)", args[0], kinds)
			}
			var arg string
			switch {
			case kind.arg != "" && len(args) != 2:
				return fmt.Errorf("topic %s needs a %s", args[0], kind.arg)
			case kind.arg == "" && len(args) != 1:
				return fmt.Errorf("topic %s takes no argument", args[0])
			case kind.arg != "":
				arg = args[1]
			}

			var buf [ota.TopicMaxLen]byte
			n, err := kind.build(buf[:], thing, arg)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(buf[:n]))
			return err
		},
	}
	cmd.Flags().StringVar(&thing, "thing", "cloudpico", "thing name")
	return cmd
}
