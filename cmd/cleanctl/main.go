package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Krestall88/cleaning-control/internal/app"
	"github.com/Krestall88/cleaning-control/internal/config"
	"github.com/Krestall88/cleaning-control/internal/db"
	"github.com/Krestall88/cleaning-control/internal/domain"
	"github.com/Krestall88/cleaning-control/internal/engine"
	"github.com/Krestall88/cleaning-control/internal/repo"
	"github.com/Krestall88/cleaning-control/internal/scheduler"
	"github.com/Krestall88/cleaning-control/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cleanctl",
	Short: "Cleaning control CLI",
	Long: `cleanctl manages recurring cleaning work.
Core concepts:
- Workspace: the directory holding cleanctl.yml and the .cleanctl database.
- Location: a node of the object/site/zone/room hierarchy, flattened to a breadcrumb path.
- Card: a recurring definition (tech card) with a frequency, a location, and evidence rules.
- Occurrence: one due date of a card. Virtual (PENDING) until someone touches it, then a durable row.
- Calendar: the projection of all due occurrences in a window, virtual and materialized merged.
- Sweep: the scheduler duty that pre-warms upcoming occurrences and auto-fails overdue ones.
- Event log: the audit diary, view with 'cleanctl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CLEANCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(locationCmd())
	rootCmd.AddCommand(cardCmd())
	rootCmd.AddCommand(calendarCmd())
	rootCmd.AddCommand(occurrenceCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			a, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Printf("Initialized workspace: %s and %s\n", path, db.Path(workspace))
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Workspace status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountOccurrencesByStatus(ctx)
				if err != nil {
					return err
				}
				defs, err := e.Repo.ListDefinitions(ctx, repo.DefinitionFilters{})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"definitions":       len(defs),
					"occurrence_counts": counts,
				})
			})
		},
	}
}

func locationCmd() *cobra.Command {
	loc := &cobra.Command{Use: "location", Short: "Manage locations"}
	loc.AddCommand(locationAddCmd())
	loc.AddCommand(locationListCmd())
	return loc
}

func locationAddCmd() *cobra.Command {
	var id, name, path, sortKey string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a location",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.CreateLocation(ctx, engine.LocationCreateOptions{
					ID:      id,
					Name:    name,
					Path:    path,
					SortKey: sortKey,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "location id (generated if empty)")
	cmd.Flags().StringVar(&name, "name", "", "location name")
	cmd.Flags().StringVar(&path, "path", "", "breadcrumb path, e.g. 'HQ / Floor 2 / Lobby'")
	cmd.Flags().StringVar(&sortKey, "sort-key", "", "calendar ordering key")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func locationListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List locations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListLocations(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Path", "Sort Key"})
				for _, l := range items {
					tw.AppendRow(table.Row{l.ID, l.Name, l.Path, l.SortKey})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func cardCmd() *cobra.Command {
	card := &cobra.Command{Use: "card", Short: "Manage recurring cards"}
	card.AddCommand(cardCreateCmd())
	card.AddCommand(cardListCmd())
	card.AddCommand(cardShowCmd())
	card.AddCommand(cardUpdateCmd())
	card.AddCommand(cardRetireCmd())
	return card
}

func cardCreateCmd() *cobra.Command {
	var id, locationID, responsible, frequency, timezone, activeFrom, activeUntil, description string
	var requirePhoto, requireComment bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a recurring card",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CreateDefinition(ctx, engine.DefinitionCreateOptions{
					ID:               id,
					LocationID:       locationID,
					ResponsibleActor: responsible,
					Frequency:        frequency,
					Timezone:         timezone,
					ActiveFrom:       activeFrom,
					ActiveUntil:      activeUntil,
					RequirePhoto:     requirePhoto,
					RequireComment:   requireComment,
					Description:      description,
					ActorID:          viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "card id (generated if empty)")
	cmd.Flags().StringVar(&locationID, "location", "", "location id")
	cmd.Flags().StringVar(&responsible, "responsible", "", "responsible actor id")
	cmd.Flags().StringVar(&frequency, "frequency", "", "DAILY, WEEKLY or MONTHLY")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA time zone (default from config)")
	cmd.Flags().StringVar(&activeFrom, "active-from", "", "anchor date YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&activeUntil, "active-until", "", "retirement date YYYY-MM-DD")
	cmd.Flags().BoolVar(&requirePhoto, "require-photo", false, "completion requires a photo")
	cmd.Flags().BoolVar(&requireComment, "require-comment", false, "completion requires a comment")
	cmd.Flags().StringVar(&description, "description", "", "card description")
	_ = cmd.MarkFlagRequired("location")
	_ = cmd.MarkFlagRequired("frequency")
	return cmd
}

func cardListCmd() *cobra.Command {
	var locationID, actor, activeOn string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDefinitions(ctx, repo.DefinitionFilters{
					LocationID:       locationID,
					ResponsibleActor: actor,
					ActiveOn:         activeOn,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Location", "Frequency", "Active From", "Active Until", "Responsible"})
				for _, d := range items {
					until := ""
					if d.ActiveUntil != nil {
						until = *d.ActiveUntil
					}
					responsible := ""
					if d.ResponsibleActor != nil {
						responsible = *d.ResponsibleActor
					}
					tw.AppendRow(table.Row{d.ID, d.LocationID, d.Frequency, d.ActiveFrom, until, responsible})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&locationID, "location", "", "location filter")
	cmd.Flags().StringVar(&actor, "responsible", "", "responsible actor filter")
	cmd.Flags().StringVar(&activeOn, "active-on", "", "only cards active on this date")
	return cmd
}

func cardShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <card-id>",
		Short: "Show one card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Repo.GetDefinition(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func cardUpdateCmd() *cobra.Command {
	var locationID, responsible, frequency, timezone, activeUntil, description string
	var requirePhoto, requireComment bool
	cmd := &cobra.Command{
		Use:   "update <card-id>",
		Short: "Update a card (frequency changes affect only future occurrences)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.DefinitionUpdateOptions{ID: args[0], ActorID: viper.GetString("actor-id")}
			if cmd.Flags().Changed("location") {
				opts.LocationID = &locationID
			}
			if cmd.Flags().Changed("responsible") {
				opts.ResponsibleActor = &responsible
			}
			if cmd.Flags().Changed("frequency") {
				opts.Frequency = &frequency
			}
			if cmd.Flags().Changed("timezone") {
				opts.Timezone = &timezone
			}
			if cmd.Flags().Changed("active-until") {
				opts.ActiveUntil = &activeUntil
			}
			if cmd.Flags().Changed("require-photo") {
				opts.RequirePhoto = &requirePhoto
			}
			if cmd.Flags().Changed("require-comment") {
				opts.RequireComment = &requireComment
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.UpdateDefinition(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&locationID, "location", "", "location id")
	cmd.Flags().StringVar(&responsible, "responsible", "", "responsible actor id")
	cmd.Flags().StringVar(&frequency, "frequency", "", "DAILY, WEEKLY or MONTHLY")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA time zone")
	cmd.Flags().StringVar(&activeUntil, "active-until", "", "retirement date, empty to clear")
	cmd.Flags().BoolVar(&requirePhoto, "require-photo", false, "completion requires a photo")
	cmd.Flags().BoolVar(&requireComment, "require-comment", false, "completion requires a comment")
	cmd.Flags().StringVar(&description, "description", "", "card description")
	return cmd
}

func cardRetireCmd() *cobra.Command {
	var until string
	cmd := &cobra.Command{
		Use:   "retire <card-id>",
		Short: "Retire a card (stops projecting new occurrences)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.RetireDefinition(ctx, args[0], until, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&until, "until", "", "last active date YYYY-MM-DD (default today)")
	return cmd
}

func calendarCmd() *cobra.Command {
	var from, to, locationID, actor, status string
	cmd := &cobra.Command{
		Use:   "calendar",
		Short: "Project the occurrence calendar for a window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.ProjectOptions{From: from, To: to, LocationID: locationID, Actor: actor}
				for _, s := range strings.Split(status, ",") {
					s = strings.TrimSpace(strings.ToUpper(s))
					if s != "" {
						opts.Statuses = append(opts.Statuses, domain.Status(s))
					}
				}
				res, err := e.Project(ctx, opts)
				if err != nil {
					return err
				}
				for _, warning := range res.Warnings {
					fmt.Fprintln(os.Stderr, "warning:", warning)
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Due", "Card", "Location", "Status", "Responsible"})
				for _, it := range res.Items {
					responsible := ""
					if it.ResponsibleActor != nil {
						responsible = *it.ResponsibleActor
					}
					tw.AppendRow(table.Row{it.DueDate, it.Key.DefinitionID, it.Location.Path, it.Status, responsible})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "window start YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "window end YYYY-MM-DD")
	cmd.Flags().StringVar(&locationID, "location", "", "location filter")
	cmd.Flags().StringVar(&actor, "actor", "", "responsible actor filter")
	cmd.Flags().StringVar(&status, "status", "", "comma-separated status filter")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func occurrenceCmd() *cobra.Command {
	occ := &cobra.Command{Use: "occurrence", Short: "Act on occurrences"}
	occ.AddCommand(occurrenceShowCmd())
	occ.AddCommand(occurrenceClaimCmd())
	occ.AddCommand(occurrenceCommentCmd())
	occ.AddCommand(occurrenceEvidenceCmd())
	occ.AddCommand(occurrenceCompleteCmd())
	occ.AddCommand(occurrenceFailCmd())
	occ.AddCommand(occurrenceOverrideCmd())
	return occ
}

func occurrenceKeyFromArgs(args []string) domain.OccurrenceKey {
	return domain.OccurrenceKey{DefinitionID: args[0], DueDate: args[1]}
}

func applyMutation(ctx context.Context, m func(actorID string) engine.Mutation, args []string) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		o, err := e.Apply(ctx, occurrenceKeyFromArgs(args), m(viper.GetString("actor-id")))
		if err != nil {
			return err
		}
		return printJSONOrTable(o)
	})
}

func occurrenceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <card-id> <due-date>",
		Short: "Show a materialized occurrence",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.Repo.GetOccurrence(ctx, occurrenceKeyFromArgs(args))
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
}

func occurrenceClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <card-id> <due-date>",
		Short: "Claim an occurrence",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyMutation(cmd.Context(), func(actor string) engine.Mutation {
				return engine.Claim{Actor: actor}
			}, args)
		},
	}
}

func occurrenceCommentCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "comment <card-id> <due-date>",
		Short: "Comment on an occurrence",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyMutation(cmd.Context(), func(actor string) engine.Mutation {
				return engine.Comment{Actor: actor, Text: text}
			}, args)
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "comment text")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func occurrenceEvidenceCmd() *cobra.Command {
	var photos []string
	cmd := &cobra.Command{
		Use:   "evidence <card-id> <due-date>",
		Short: "Attach photo evidence",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyMutation(cmd.Context(), func(actor string) engine.Mutation {
				return engine.AttachEvidence{Actor: actor, PhotoRefs: photos}
			}, args)
		},
	}
	cmd.Flags().StringSliceVar(&photos, "photo", nil, "photo reference (repeatable)")
	_ = cmd.MarkFlagRequired("photo")
	return cmd
}

func occurrenceCompleteCmd() *cobra.Command {
	var comment string
	var photos []string
	cmd := &cobra.Command{
		Use:   "complete <card-id> <due-date>",
		Short: "Complete an occurrence",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyMutation(cmd.Context(), func(actor string) engine.Mutation {
				return engine.Complete{Actor: actor, Comment: comment, PhotoRefs: photos}
			}, args)
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "completion comment")
	cmd.Flags().StringSliceVar(&photos, "photo", nil, "photo reference (repeatable)")
	return cmd
}

func occurrenceFailCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <card-id> <due-date>",
		Short: "Fail an occurrence",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyMutation(cmd.Context(), func(actor string) engine.Mutation {
				return engine.Fail{Actor: actor, Reason: reason}
			}, args)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "failure reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func occurrenceOverrideCmd() *cobra.Command {
	var status, reason string
	cmd := &cobra.Command{
		Use:   "override <card-id> <due-date>",
		Short: "Administrative status override (bypasses the lifecycle guard)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyMutation(cmd.Context(), func(actor string) engine.Mutation {
				return engine.Override{Actor: actor, Status: domain.Status(strings.ToUpper(status)), Reason: reason}
			}, args)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "target status")
	cmd.Flags().StringVar(&reason, "reason", "", "override reason (recorded in the audit log)")
	_ = cmd.MarkFlagRequired("status")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one scheduler pass now (prewarm + overdue sweep)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.RunMaintenance(ctx)
				if err != nil {
					return err
				}
				for _, skip := range report.Skipped {
					fmt.Fprintln(os.Stderr, "skipped:", skip)
				}
				return printJSONOrTable(map[string]any{
					"prewarmed": report.Prewarmed,
					"swept":     report.Swept,
				})
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Audit log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, cardID, dueDate string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, cardID, dueDate)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&cardID, "card", "", "card id filter")
	cmd.Flags().StringVar(&dueDate, "due", "", "due date filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plaintext, key, err := e.CreateAPIKey(ctx, actorID, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      plaintext,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader, noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and background scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer a.Close()

			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("CLEANCTL_JWT_SECRET"),
				AllowLegacyActorHeader: allowActorHeader,
			}
			if authCfg.JWTSecret == "" && !allowActorHeader {
				return fmt.Errorf("CLEANCTL_JWT_SECRET is required for bearer auth (or pass --allow-actor-header for local use)")
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg, BaseContext: ctx})
			if err != nil {
				return err
			}
			if !noScheduler {
				go scheduler.New(a.Engine, a.Config.SweepInterval()).Run(ctx)
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving cleaning-control API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept unauthenticated X-Actor-Id (local use only)")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run the background scheduler")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
