package main

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/jedib0t/go-pretty/table"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/anton-dessiatov/throttleproxy/internal/bandwidth"
	"github.com/anton-dessiatov/throttleproxy/internal/config"
	"github.com/anton-dessiatov/throttleproxy/internal/rules"
)

func newRulesCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "Resolve the URLs config and print the effective speeds.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			urls := config.LoadURLs(f.urlsPath, log.Logger)
			set := rules.Build(ctx, urls, net.DefaultResolver, rules.DefaultResolveTimeout, log.Logger)
			fmt.Fprintln(cmd.OutOrStdout(), RenderRuleTable(set, f.cfg.IncomingSpeed, f.cfg.OutgoingSpeed))
			return nil
		},
	}
}

// RenderRuleTable formats the rules in match order with the speeds they
// resolve to. Speeds inherited from the defaults are marked with "*".
func RenderRuleTable(set *rules.Set, in, out bandwidth.Rate) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)

	t.AppendHeader(table.Row{
		"#",
		"URL",
		"Port",
		"IPs",
		"Incoming",
		"Outgoing",
	})

	for i, r := range set.Rules() {
		ips := strings.Join(r.IPs, ", ")
		if ips == "" {
			ips = "-"
		}
		t.AppendRow(table.Row{
			i + 1,
			r.Raw,
			r.Port(),
			ips,
			speed(r.IncomingSpeed, in),
			speed(r.OutgoingSpeed, out),
		})
	}
	t.AppendRow(table.Row{"", "default", "", "", in.String(), out.String()})

	return t.Render()
}

func speed(r, def bandwidth.Rate) string {
	if r == bandwidth.Unlimited {
		return def.String() + "*"
	}
	return r.String()
}
