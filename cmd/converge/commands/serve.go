package commands

import (
	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/api"
	"github.com/openfroyo/converge/pkg/config"
)

func newServeCommand() *cobra.Command {
	var (
		flags  sourceFlags
		listen string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Start the HTTP API. Runs are applied with POST /runs/{name} and read back
with GET /runs. When state_db is set, finished runs are listed under
/history. Prometheus metrics are exposed at /metrics.

POST and DELETE require "Authorization: Bearer <token>" matching api.token
(or CONVERGE_API_TOKEN). Without a token the API is read-only. Inline
documents in apply bodies are refused unless api.allow_documents is set.`,
		Example: `  # Serve on the configured address
  converge serve

  # Serve on another port with a history database
  CONVERGE_API_TOKEN=s3cret converge serve --listen 127.0.0.1:9090 -c converge.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := newEnvironment(ctx, envOptions{
				history:  true,
				policies: true,
				version:  cmd.Root().Version,
				override: func(cfg *config.Config) {
					flags.apply(cmd, cfg)
					if cmd.Flags().Changed("listen") {
						cfg.API.Listen = listen
					}
				},
			})
			if err != nil {
				return err
			}
			defer func() { _ = env.Close(ctx) }()

			opts := api.Options{
				Applier:  env.applier,
				Defaults: env.cfg.ApplyRequest("", nil),
				Metrics:  env.tel.Metrics.Handler(),
				Token:    env.cfg.API.Token,
				Logger:   env.logger,

				AllowDocuments: env.cfg.API.AllowDocuments,
			}
			if env.store != nil {
				opts.History = env.store
			}
			srv, err := api.NewServer(opts)
			if err != nil {
				return err
			}
			if opts.Token == "" {
				env.logger.Warn().Msg("No api token configured, serving read-only")
			}
			return srv.ListenAndServe(ctx, env.cfg.API.Listen)
		},
	}

	flags.registerRun(cmd)
	cmd.Flags().StringVar(&listen, "listen", "", "listen address, overrides api.listen")

	return cmd
}
