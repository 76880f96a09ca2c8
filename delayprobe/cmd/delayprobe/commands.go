package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"syscall"
	"time"

	"github.com/malbeclabs/delayprobe/config"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/cache"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/core"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/delay"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/engine"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/scheduler"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

const (
	listTimeout  = 30 * time.Second
	pollInterval = 250 * time.Millisecond
)

var checkCmd = &cobra.Command{
	Use:   "check NAME",
	Short: "Probe a single node and print its delay",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(opts.verbose)
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		st, settings, err := loadStack(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		d, err := st.engine.CheckDelay(ctx, args[0], opts.group, settings.Probe.Timeout)
		if err != nil {
			return err
		}
		log.Debug("check finished", "node", args[0], "group", opts.group, "delay", d.String())
		fmt.Printf("%s\t%s\t%d\n", args[0], d.String(), d.Legacy())
		return nil
	},
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List proxy groups known to the core",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), listTimeout)
		defer cancel()

		st, _, err := loadStack(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		groups, err := st.core.Groups(ctx)
		if err != nil {
			return err
		}

		table := newTable(os.Stdout)
		table.SetHeader([]string{"group", "type", "now", "nodes"})
		for _, g := range groups {
			table.Append([]string{g.Name, g.Type, g.Now, strconv.Itoa(len(g.Nodes))})
		}
		table.Render()
		return nil
	},
}

var testAllCmd = &cobra.Command{
	Use:   "test-all",
	Short: "Run a global test over every group and print a summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(opts.verbose)
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		st, settings, err := loadStack(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		listCtx, listCancel := context.WithTimeout(ctx, listTimeout)
		groups, err := st.core.Groups(listCtx)
		listCancel()
		if err != nil {
			return err
		}

		id, err := st.engine.StartGlobalTest(engine.GlobalTestOptions{
			Timeout:         settings.Probe.Timeout,
			ConcurrencyHint: settings.Scheduler.ConcurrencyHint,
			Groups:          opts.groups,
		})
		if err != nil {
			return err
		}
		log.Info("global test started", "id", id)

		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		lastCompleted := -1
		cancelSent := false
		for {
			snap := st.sessions.Snapshot()
			if !snap.Running() {
				log.Info("global test finished", "id", id, "outcome", snap.LastOutcome)
				break
			}
			if snap.Completed != lastCompleted {
				lastCompleted = snap.Completed
				log.Debug("global test progress", "completed", snap.Completed, "total", snap.Total)
			}
			select {
			case <-ctx.Done():
				if !cancelSent {
					cancelSent = true
					log.Info("cancelling global test", "id", id)
					_ = st.engine.CancelGlobalTest()
				}
			case <-ticker.C:
			}
		}

		table := newTable(os.Stdout)
		table.SetHeader([]string{"group", "nodes", "measured", "errored", "untested", "fastest", "delay"})
		for _, g := range groups {
			if len(opts.groups) > 0 && !slices.Contains(opts.groups, g.Name) {
				continue
			}
			s := summarizeGroup(st.cache, g)
			table.Append(s.row())
		}
		table.Render()
		return nil
	},
}

func loadStack(cmd *cobra.Command) (*stack, *config.Settings, error) {
	env, err := config.LoadEnv()
	if err != nil {
		return nil, nil, err
	}
	settings, err := resolveSettings(cmd.Flags(), env, &opts)
	if err != nil {
		return nil, nil, err
	}
	st, err := newStack(newLogger(opts.verbose), settings, env)
	if err != nil {
		return nil, nil, err
	}
	return st, settings, nil
}

func newTable(w io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetRowLine(true)
	return table
}

type delayReader interface {
	Get(key cache.Key) delay.Delay
}

type groupSummary struct {
	group    string
	nodes    int
	stats    cache.Stats
	fastest  string
	fastestD delay.Delay
}

func summarizeGroup(c delayReader, g core.Group) groupSummary {
	s := groupSummary{group: g.Name}
	for _, name := range scheduler.Dedupe(g.Nodes) {
		s.nodes++
		d := c.Get(cache.Key{Name: name, Group: g.Name})
		switch d.Kind() {
		case delay.KindMeasured:
			s.stats.Measured++
			if !s.fastestD.IsMeasured() || d.MS() < s.fastestD.MS() {
				s.fastest, s.fastestD = name, d
			}
		case delay.KindErrored:
			s.stats.Errored++
		case delay.KindTesting:
			s.stats.Testing++
		default:
			s.stats.Absent++
		}
	}
	return s
}

func (s groupSummary) row() []string {
	fastest, ms := "-", "-"
	if s.fastestD.IsMeasured() {
		fastest = s.fastest
		ms = fmt.Sprintf("%dms", s.fastestD.MS())
	}
	return []string{
		s.group,
		strconv.Itoa(s.nodes),
		strconv.Itoa(s.stats.Measured),
		strconv.Itoa(s.stats.Errored),
		strconv.Itoa(s.stats.Absent + s.stats.Testing),
		fastest,
		ms,
	}
}
