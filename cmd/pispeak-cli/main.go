// pispeak-cli 是 pispeak 服务的命令行客户端。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/iabetor/pispeak/internal/client"
	"github.com/iabetor/pispeak/internal/queue"
)

var (
	baseURL  string
	token    string
	timeout  time.Duration
	priority bool
	wait     bool

	rootCmd = &cobra.Command{
		Use:          "pispeak-cli",
		Short:        "pispeak 语音播报服务的命令行客户端",
		SilenceUsage: true,
	}

	speakCmd = &cobra.Command{
		Use:   "speak TEXT...",
		Short: "提交一段文本进行播报",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if strings.TrimSpace(text) == "" {
				return fmt.Errorf("文本不能为空")
			}
			c := newClient()
			id, err := c.Speak(cmd.Context(), text, priority)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			if !wait {
				return nil
			}
			it, err := c.Wait(cmd.Context(), id, 200*time.Millisecond)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", it.Status, it.Error)
			if it.Status == queue.StatusFailed {
				return fmt.Errorf("任务失败: %s", it.Error)
			}
			return nil
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "查看服务状态和任务列表",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := newClient().Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "暂停: %v\n", st.Paused)
			fmt.Fprintf(out, "设备: %s (verified=%v)\n", orNone(st.Device), st.DeviceVerified)
			fmt.Fprintf(out, "播放: %s, 已播 %d, 失败 %d, 重试 %d\n",
				st.Playback.State, st.Playback.Played, st.Playback.Failed, st.Playback.Retries)
			fmt.Fprintf(out, "队列: 优先 %d, 普通 %d, 处理中 %s\n",
				st.PriorityPending, st.RegularPending, orNone(st.Processing))
			if st.Cache != nil {
				fmt.Fprintf(out, "缓存: %d/%d, 命中 %d, 未命中 %d\n",
					st.Cache.Size, st.Cache.Capacity, st.Cache.Hits, st.Cache.Misses)
			}
			if len(st.Items) == 0 {
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "\nID\tSTATUS\tPRIORITY\tQUEUED\tTEXT")
			for _, it := range st.Items {
				fmt.Fprintf(tw, "%s\t%s\t%v\t%s\t%s\n",
					it.ID, it.Status, it.Priority, humanize.Time(it.EnqueuedAt), preview(it.Text, 40))
			}
			return tw.Flush()
		},
	}

	taskCmd = &cobra.Command{
		Use:   "task ID",
		Short: "查看单个任务状态",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			it, err := newClient().Task(cmd.Context(), args[0])
			if client.IsNotFound(err) {
				return fmt.Errorf("任务 %s 不存在或已过期", args[0])
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s (queued %s)\n", it.ID, it.Status, humanize.Time(it.EnqueuedAt))
			if !it.FinishedAt.IsZero() && !it.StartedAt.IsZero() {
				fmt.Fprintf(out, "耗时 %s\n", it.FinishedAt.Sub(it.StartedAt).Round(time.Millisecond))
			}
			if it.Error != "" {
				fmt.Fprintf(out, "错误: %s\n", it.Error)
			}
			return nil
		},
	}
)

// control 生成只调用一个控制接口的子命令。
func control(use, short string, call func(*client.Client, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := call(newClient(), cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func newClient() *client.Client {
	return client.New(baseURL, token, timeout)
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", envOr("PISPEAK_URL", client.DefaultBaseURL), "服务地址")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("PISPEAK_TOKEN"), "Bearer token")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "单次请求超时")
	speakCmd.Flags().BoolVarP(&priority, "priority", "p", false, "放入优先队列")
	speakCmd.Flags().BoolVarP(&wait, "wait", "w", false, "等待播报结束")

	rootCmd.AddCommand(
		speakCmd,
		statusCmd,
		taskCmd,
		control("pause", "暂停出队", (*client.Client).Pause),
		control("resume", "恢复出队", (*client.Client).Resume),
		control("stop", "清空队列并打断当前播放", (*client.Client).Stop),
	)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
