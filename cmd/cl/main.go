package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"closeline/internal/app"
	"closeline/internal/calendar"
	"closeline/internal/config"
	"closeline/internal/db"
	"closeline/internal/domain"
	"closeline/internal/engine"
	"closeline/internal/migrate"
	"closeline/internal/repo"
	"closeline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Closeline CLI",
	Long: `Closeline generates and tracks month-end close tasks.
Publish a working calendar, import task templates, then generate a close
period: each template becomes a task instance with a workday-computed
deadline and a RACI assignment snapshot. Re-running generation with the
same inputs is a no-op. Instances move preparation -> review -> approval
(-> filed for regulatory tasks); every change lands in an append-only
ledger.`,
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
	viper.SetEnvPrefix("CLOSELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("org", "", "org id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("org", rootCmd.PersistentFlags().Lookup("org"))
}

func registerCommands() {
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(calendarCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(instanceCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(directoryCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- org ---

func orgCmd() *cobra.Command {
	org := &cobra.Command{Use: "org", Short: "Manage the org"}
	org.AddCommand(orgInitCmd())
	org.AddCommand(orgConfigCmd())
	return org
}

func orgInitCmd() *cobra.Command {
	var id, country string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize an org",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg := config.Default(id)
				if country != "" {
					cfg.Org.Country = country
				}
				e := engine.New(r.DB, cfg)
				if err := e.InitOrg(ctx, id, cfg.Org.Country, viper.GetString("actor-id")); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"org_id": id, "country": cfg.Org.Country})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "org id")
	cmd.Flags().StringVar(&country, "country", "", "ISO country code for the working calendar")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func orgConfigCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Org configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import config YAML into the org",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				orgID := viper.GetString("org")
				if orgID == "" {
					orgID = cfg.Org.ID
				}
				return r.UpsertOrgConfig(ctx, orgID, cfg)
			})
		},
	}
	importCmd.Flags().String("file", "", "config yaml path")
	_ = importCmd.MarkFlagRequired("file")
	cfgCmd.AddCommand(importCmd)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default closeline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID := viper.GetString("org")
			if orgID == "" {
				orgID = "default-org"
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(orgID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cfgCmd.AddCommand(initCmd)
	return cfgCmd
}

// --- calendar ---

func calendarCmd() *cobra.Command {
	cal := &cobra.Command{Use: "calendar", Short: "Working calendars"}
	cal.AddCommand(calendarPublishCmd())
	cal.AddCommand(calendarShowCmd())
	cal.AddCommand(calendarListCmd())
	cal.AddCommand(calendarOffsetCmd())
	cal.AddCommand(calendarWorkdaysCmd())
	return cal
}

type calendarSeed struct {
	Country  string            `yaml:"country"`
	Year     int               `yaml:"year"`
	Holidays []string          `yaml:"holidays"`
	Labels   map[string]string `yaml:"labels,omitempty"`
}

func calendarPublishCmd() *cobra.Command {
	var country, file string
	var year int
	var holidays []string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a new calendar version",
		RunE: func(cmd *cobra.Command, args []string) error {
			seed := calendarSeed{Country: country, Year: year, Holidays: holidays}
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if err := yaml.Unmarshal(data, &seed); err != nil {
					return fmt.Errorf("invalid calendar yaml: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cal, err := e.PublishCalendar(ctx, engine.PublishCalendarOptions{
					Country:  seed.Country,
					Year:     seed.Year,
					Holidays: seed.Holidays,
					Labels:   seed.Labels,
					ActorID:  viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(cal)
			})
		},
	}
	cmd.Flags().StringVar(&country, "country", "", "ISO country code")
	cmd.Flags().IntVar(&year, "year", 0, "calendar year")
	cmd.Flags().StringSliceVar(&holidays, "holiday", nil, "holiday date YYYY-MM-DD (repeatable)")
	cmd.Flags().StringVar(&file, "file", "", "calendar yaml path")
	return cmd
}

func calendarShowCmd() *cobra.Command {
	var country string
	var year, version int
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a calendar (latest or pinned version)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cal, err := r.GetCalendar(ctx, country, year, version)
				if err != nil {
					return err
				}
				return printJSONOrTable(cal)
			})
		},
	}
	cmd.Flags().StringVar(&country, "country", "", "ISO country code")
	cmd.Flags().IntVar(&year, "year", 0, "calendar year")
	cmd.Flags().IntVar(&version, "version", 0, "pinned version (0 = latest)")
	_ = cmd.MarkFlagRequired("country")
	_ = cmd.MarkFlagRequired("year")
	return cmd
}

func calendarListCmd() *cobra.Command {
	var country string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List published calendars",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cals, err := r.ListCalendars(ctx, country)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cals)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Country", "Year", "Version", "Holidays", "Published"})
				for _, c := range cals {
					tw.AppendRow(table.Row{c.ID, c.Country, c.Year, c.Version, len(c.Holidays), c.PublishedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&country, "country", "", "filter by country")
	return cmd
}

func resolveView(ctx context.Context, e engine.Engine, country string, year, version int) (calendar.View, error) {
	if country == "" && e.Config != nil {
		country = e.Config.Org.Country
	}
	var weekend map[time.Weekday]bool
	if e.Config != nil {
		weekend = e.Config.WeekendDays()
	}
	return calendar.Resolver{Repo: e.Repo}.Resolve(ctx, country, year, version, weekend)
}

func calendarOffsetCmd() *cobra.Command {
	var country, anchor, direction string
	var year, version, offset int
	cmd := &cobra.Command{
		Use:   "offset",
		Short: "Compute a workday offset",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				day, err := calendar.ParseDay(anchor)
				if err != nil {
					return err
				}
				if year == 0 {
					year = day.Year()
				}
				view, err := resolveView(ctx, e, country, year, version)
				if err != nil {
					return err
				}
				result := view.OffsetWorkdays(day, offset, direction)
				return printJSONOrTable(map[string]string{
					"anchor": anchor,
					"result": result.Format(calendar.DayFormat),
				})
			})
		},
	}
	cmd.Flags().StringVar(&country, "country", "", "ISO country code (default from config)")
	cmd.Flags().StringVar(&anchor, "anchor", "", "anchor date YYYY-MM-DD")
	cmd.Flags().IntVar(&offset, "offset", 0, "workdays to walk")
	cmd.Flags().StringVar(&direction, "direction", "before", "before or after")
	cmd.Flags().IntVar(&year, "year", 0, "calendar year (default from anchor)")
	cmd.Flags().IntVar(&version, "version", 0, "pinned calendar version")
	_ = cmd.MarkFlagRequired("anchor")
	return cmd
}

func calendarWorkdaysCmd() *cobra.Command {
	var country, from, to string
	var version int
	cmd := &cobra.Command{
		Use:   "workdays",
		Short: "List working days in a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				start, err := calendar.ParseDay(from)
				if err != nil {
					return err
				}
				end, err := calendar.ParseDay(to)
				if err != nil {
					return err
				}
				view, err := resolveView(ctx, e, country, start.Year(), version)
				if err != nil {
					return err
				}
				var days []string
				for _, d := range view.WorkingDaysBetween(start, end) {
					days = append(days, d.Format(calendar.DayFormat))
				}
				return printJSONOrTable(days)
			})
		},
	}
	cmd.Flags().StringVar(&country, "country", "", "ISO country code (default from config)")
	cmd.Flags().StringVar(&from, "from", "", "range start YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "range end YYYY-MM-DD")
	cmd.Flags().IntVar(&version, "version", 0, "pinned calendar version")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// --- templates ---

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{Use: "template", Short: "Task templates"}
	tpl.AddCommand(templateImportCmd())
	tpl.AddCommand(templateListCmd())
	return tpl
}

type templateFile struct {
	Templates []engine.TemplateSeed `yaml:"templates"`
}

func templateImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import template versions from YAML",
		Long:  "Each import creates a new version per category; earlier versions are retired but kept for pinned instances.",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var seeds templateFile
			if err := yaml.Unmarshal(data, &seeds); err != nil {
				return fmt.Errorf("invalid template yaml: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.ImportTemplates(ctx, seeds.Templates, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "template yaml path")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func templateListCmd() *cobra.Command {
	var category string
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTemplates(ctx, category, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Category", "Version", "Active", "Anchor", "Offset", "Direction", "Filing"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Category, t.Version, t.Active, t.Anchor, t.OffsetWorkdays, t.Direction, t.RequiresFiling})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "filter by category")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active versions")
	return cmd
}

// --- generation ---

func generateCmd() *cobra.Command {
	var year, month, calendarVersion int
	var templateIDs []string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate close tasks for a period",
		Long:  "Idempotent: re-running with identical inputs reports no-op and the original instance ids.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Generate(ctx, engine.GenerateOptions{
					Year:            year,
					Month:           month,
					CalendarVersion: calendarVersion,
					TemplateIDs:     templateIDs,
					ActorID:         viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().IntVar(&year, "year", 0, "close year")
	cmd.Flags().IntVar(&month, "month", 0, "close month (1-12)")
	cmd.Flags().IntVar(&calendarVersion, "calendar-version", 0, "pinned calendar version (0 = latest)")
	cmd.Flags().StringSliceVar(&templateIDs, "template", nil, "pinned template id (repeatable; empty = active set)")
	_ = cmd.MarkFlagRequired("year")
	_ = cmd.MarkFlagRequired("month")
	return cmd
}

// --- instances ---

func instanceCmd() *cobra.Command {
	inst := &cobra.Command{Use: "instance", Short: "Task instances"}
	inst.AddCommand(instanceListCmd())
	inst.AddCommand(instanceShowCmd())
	inst.AddCommand(instanceTransitionCmd())
	inst.AddCommand(instanceRaiseCmd())
	inst.AddCommand(instanceResolveCmd())
	inst.AddCommand(instanceCancelCmd())
	return inst
}

func instanceListCmd() *cobra.Command {
	var period, state, category, assignee string
	var overdue bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List task instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				filters := repo.InstanceFilters{
					Period:     period,
					State:      state,
					Category:   category,
					AssigneeID: assignee,
				}
				if overdue {
					filters.OverdueAt = time.Now().UTC().Format(calendar.DayFormat)
				}
				items, err := e.Repo.ListInstances(ctx, filters)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				now := time.Now()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Period", "Seq", "Category", "Deadline", "State", "Overdue"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Period, it.Seq, it.Category, it.Deadline, it.State, engine.IsOverdue(it, now)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&period, "period", "", "close period YYYY-MM")
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	cmd.Flags().StringVar(&category, "category", "", "filter by category")
	cmd.Flags().StringVar(&assignee, "assignee", "", "filter by assignee user id")
	cmd.Flags().BoolVar(&overdue, "overdue", false, "only overdue instances")
	return cmd
}

func instanceShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <instance-id>",
		Short: "Show an instance with its exception log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.Repo.GetInstance(ctx, args[0])
				if err != nil {
					return err
				}
				exceptions, err := e.Repo.ListExceptions(ctx, inst.ID, false)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"instance":   inst,
					"overdue":    engine.IsOverdue(inst, time.Now()),
					"exceptions": exceptions,
				})
			})
		},
	}
	return cmd
}

func instanceTransitionCmd() *cobra.Command {
	var from, to, note string
	var fastTrack bool
	cmd := &cobra.Command{
		Use:   "transition <instance-id>",
		Short: "Advance an instance along the stage path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.Transition(ctx, engine.TransitionOptions{
					InstanceID: args[0],
					From:       from,
					To:         to,
					ActorID:    viper.GetString("actor-id"),
					Note:       note,
					FastTrack:  fastTrack,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "last-known state (stale values rejected)")
	cmd.Flags().StringVar(&to, "to", "", "target state")
	cmd.Flags().StringVar(&note, "note", "", "transition note / evidence reference")
	cmd.Flags().BoolVar(&fastTrack, "fast-track", false, "skip review (requires fast-track permission)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func instanceRaiseCmd() *cobra.Command {
	var reason, note string
	cmd := &cobra.Command{
		Use:   "raise <instance-id>",
		Short: "Raise an exception on an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.RaiseException(ctx, engine.ExceptionOptions{
					InstanceID: args[0],
					Reason:     reason,
					Note:       note,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason code (unassigned_role|missing_evidence|deadline_conflict|reassignment_needed)")
	cmd.Flags().StringVar(&note, "note", "", "free-form note")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func instanceResolveCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "resolve <instance-id>",
		Short: "Resolve the open exception",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.ResolveException(ctx, engine.ResolveOptions{
					InstanceID: args[0],
					Note:       note,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "resolution note")
	return cmd
}

func instanceCancelCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "cancel <instance-id>",
		Short: "Cancel an instance (terminal, audit-preserving)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.Cancel(ctx, engine.CancelOptions{
					InstanceID: args[0],
					Note:       note,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "cancellation note")
	return cmd
}

// --- runs ---

func runCmd() *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "Generation runs"}
	run.AddCommand(runListCmd())
	run.AddCommand(runShowCmd())
	return run
}

func runListCmd() *cobra.Command {
	var period string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List generation runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runs, err := r.ListRuns(ctx, period)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Fingerprint", "Period", "Status", "Instances", "Actor", "Created"})
				for _, run := range runs {
					tw.AppendRow(table.Row{short(run.Fingerprint), run.Period, run.Status, run.InstanceCount, run.ActorID, run.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&period, "period", "", "close period YYYY-MM")
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <fingerprint>",
		Short: "Show a run with its ledger trail and instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				events, err := r.RunsByFingerprint(ctx, run.Fingerprint)
				if err != nil {
					return err
				}
				ids, err := r.InstanceIDsByFingerprint(ctx, run.Fingerprint)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"run":          run,
					"events":       events,
					"instance_ids": ids,
				})
			})
		},
	}
	return cmd
}

// --- directory ---

func directoryCmd() *cobra.Command {
	dir := &cobra.Command{Use: "directory", Short: "Employee directory"}
	dir.AddCommand(directoryImportCmd())
	dir.AddCommand(directoryListCmd())
	return dir
}

type directoryFile struct {
	Employees []struct {
		Code       string `yaml:"code"`
		UserID     string `yaml:"user_id"`
		Department string `yaml:"department"`
		Active     *bool  `yaml:"active"`
	} `yaml:"employees"`
}

func directoryImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import employee directory from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var seeds directoryFile
			if err := yaml.Unmarshal(data, &seeds); err != nil {
				return fmt.Errorf("invalid directory yaml: %w", err)
			}
			var employees []domain.Employee
			for _, s := range seeds.Employees {
				active := true
				if s.Active != nil {
					active = *s.Active
				}
				employees = append(employees, domain.Employee{
					Code:       s.Code,
					UserID:     s.UserID,
					Department: s.Department,
					Active:     active,
				})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.ImportDirectory(ctx, employees, viper.GetString("actor-id")); err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"imported": len(employees)})
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "directory yaml path")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func directoryListCmd() *cobra.Command {
	var department string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List employee directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListEmployees(ctx, department)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Code", "User", "Department", "Active"})
				for _, emp := range items {
					tw.AppendRow(table.Row{emp.Code, emp.UserID, emp.Department, emp.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&department, "department", "", "filter by department")
	return cmd
}

// --- ledger ---

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Audit ledger",
		Long:  "The append-only record of runs, transitions, exceptions and configuration changes.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var period, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail ledger events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, period, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&period, "period", "", "close period filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// --- rbac ---

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rbac", Short: "RBAC management"}
	cmd.AddCommand(rbacSyncCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	return cmd
}

func rbacSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Materialize config roles into the database",
		Long:  "Permission checks are open until the first sync; after it, fast-track, cancel and generation require the matching role.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.SyncRBAC(ctx, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.AssignRole(ctx, e.Config.Org.ID, target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.RevokeRole(ctx, e.Config.Org.ID, target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

// --- api keys ---

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "API keys for the HTTP API"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyRevokeCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (raw key printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rawKey := "cl_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				key := domain.APIKey{ID: uuid.NewString(), ActorID: actor, Name: name}
				if err := r.InsertAPIKey(ctx, key, rawKey); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":      key.ID,
					"actor":   actor,
					"api_key": rawKey,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys (hashes only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
}

func apikeyRevokeCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, id)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "key id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
				Level:      slog.LevelInfo,
				TimeFormat: time.Kitchen,
			}))
			slog.SetDefault(logger)

			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveOrgAndConfig(cmd.Context(), workspace, viper.GetString("org"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret: os.Getenv("CLOSELINE_JWT_SECRET"),
				Logger:    logger,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CLOSELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: requestLogger(logger, handler)}
			stop, cancelStop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancelStop()
			go func() {
				<-stop.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info("serving Closeline API", "addr", addr, "base_path", basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func requestLogger(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Info("request", "method", r.Method, "path", r.URL.Path, "dur", time.Since(start))
	})
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveOrgAndConfig(ctx, workspace, viper.GetString("org"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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

func short(fingerprint string) string {
	if len(fingerprint) > 12 {
		return fingerprint[:12]
	}
	return fingerprint
}
