package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/apk-analysis/apk-unboxing-go/internal/runner"
)

func newExecuteCommand(a *app) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "execute <base-dir> <entry-class>",
		Short: "Compile and run a generated unpacker project",
		Long: "Compile and run a generated unpacker project.\n\n" +
			"The unpacker runs the app's own loader code on this machine. Only run it inside an isolated environment.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			confirmed := yes
			if !confirmed {
				var err error
				confirmed, err = confirm(cmd.InOrStdin(), cmd.ErrOrStderr())
				if err != nil {
					return err
				}
			}
			if !confirmed {
				return runner.ErrNotConfirmed
			}

			r := runner.New(&a.cfg.Runner, a.logger)
			sink := &writerSink{stdout: cmd.OutOrStdout(), stderr: cmd.ErrOrStderr()}
			return r.Execute(cmd.Context(), runner.Options{
				BaseDir:    args[0],
				EntryClass: args[1],
				Confirmed:  true,
			}, sink)
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

// confirm 提示用户确认执行，只接受 y/yes
func confirm(in io.Reader, out io.Writer) (bool, error) {
	fmt.Fprint(out, "WARNING: the unpacker executes code taken from the APK on this machine.\nContinue? [y/N]: ")

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// writerSink 把子进程输出按流写回终端
type writerSink struct {
	mu     sync.Mutex
	stdout io.Writer
	stderr io.Writer
}

func (s *writerSink) Write(stream, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stream == runner.StreamStderr {
		fmt.Fprintln(s.stderr, line)
		return
	}
	fmt.Fprintln(s.stdout, line)
}
