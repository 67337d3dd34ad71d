package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/meterdesk/meterdesk/app/controllers"
	"github.com/meterdesk/meterdesk/app/routes"
	"github.com/meterdesk/meterdesk/internal/server"
	"github.com/meterdesk/meterdesk/pkg/router"
	"github.com/meterdesk/meterdesk/pkg/ws"
)

// meterdesk serve — start the HTTP server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return server.Start()
	},
}

// meterdesk route:list — print all registered routes.
var routeListCmd = &cobra.Command{
	Use:   "route:list",
	Short: "List all registered named routes",
	RunE: func(cmd *cobra.Command, args []string) error {
		r := router.New()
		// Nil dependencies are fine here; the handlers are never invoked.
		routes.RegisterAPI(r, routes.Deps{
			Auth:     controllers.NewAuthController(nil),
			Readings: controllers.NewReadingController(nil, nil, nil),
			Health:   controllers.NewHealthController(nil),
			Hub:      ws.NewHub(),
		})

		infos := r.Routes()
		if len(infos) == 0 {
			fmt.Println("No named routes registered.")
			return nil
		}

		// Sort by path then method.
		sort.Slice(infos, func(i, j int) bool {
			if infos[i].Path != infos[j].Path {
				return infos[i].Path < infos[j].Path
			}
			return infos[i].Method < infos[j].Method
		})

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "METHOD\tPATH\tNAME")
		fmt.Fprintln(w, "------\t----\t----")
		for _, ri := range infos {
			fmt.Fprintf(w, "%s\t%s\t%s\n", ri.Method, ri.Path, ri.Name)
		}
		return w.Flush()
	},
}
