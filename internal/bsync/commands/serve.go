package commands

import (
	"context"
	"fmt"

	"github.com/gingerrexayers/bsync-go/internal/bsync/server"
)

// Serve is the main function for the 'serve' command. It returns when ctx is cancelled.
func Serve(ctx context.Context, env Env) error {
	srv, err := server.New(env.Config, env.Logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	fmt.Fprintf(env.Out, "🚀 Serving \"%s\" on %s\n", srv.Repository().Dir(), env.Config.ServerAddr)
	if env.Config.HTTPAddr != "" {
		fmt.Fprintf(env.Out, "   - Explorer on http://%s\n", env.Config.HTTPAddr)
	}
	return srv.ListenAndServe(ctx)
}
