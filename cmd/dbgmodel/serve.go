package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dshills/dbgmodel/internal/logging"
	"github.com/dshills/dbgmodel/internal/observe"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the object tree to websocket observers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			sess, err := newSession(cfg, filepath.Dir(opts.configPath), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer sess.Close()

			ctx := sess.withLogger(cmd.Context())
			stopWatch := sess.watchConfig(ctx, opts.configPath)
			defer stopWatch()

			if _, err := sess.model.Refresh(ctx).Await(ctx); err != nil {
				sess.logger.Warn("initial refresh failed", "err", err)
			}
			srv := observe.NewServer(sess.model)
			return srv.ListenAndServe(logging.WithLogger(ctx, sess.logger.With("component", "observe")), cfg.Server.Addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	return cmd
}
