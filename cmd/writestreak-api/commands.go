package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/backfill"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/calendar"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/events"
	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newBackfillCommand() *cobra.Command {
	var request backfill.Request
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Replay a user's postings into streak state",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), app.config.BackfillTimeout)
			defer cancel()
			result, err := app.backfill.Run(ctx, request)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(result)
		},
	}
	cmd.Flags().StringVar(&request.UserID, "user", "", "User identifier to replay")
	cmd.Flags().StringVar(&request.From, "from", "", "First day to replay (YYYY-MM-DD); defaults to the earliest posting")
	cmd.Flags().StringVar(&request.AsOf, "as-of", "", "Last day to replay (YYYY-MM-DD); defaults to today in the user's timezone")
	cmd.Flags().BoolVar(&request.DryRun, "dry-run", false, "Compute the result without writing")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newCloseDaysCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "close-days",
		Short: "Close every finished day for all known users",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication()
			if err != nil {
				return err
			}
			defer app.Close()
			return app.closeFinishedDays(cmd.Context())
		},
	}
}

func newSchedulerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the daily close job until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication()
			if err != nil {
				return err
			}
			defer app.Close()

			hour, minute, err := app.config.SchedulerClock()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
			if err != nil {
				return err
			}
			_, err = scheduler.NewJob(
				gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(hour, minute, 0))),
				gocron.NewTask(func() {
					if err := app.closeFinishedDays(ctx); err != nil {
						app.logger.Error("scheduled close failed", zap.Error(err))
					}
				}),
				gocron.WithSingletonMode(gocron.LimitModeReschedule),
			)
			if err != nil {
				return err
			}

			app.logger.Info("scheduler starting", zap.Uint("hour", hour), zap.Uint("minute", minute))
			scheduler.Start()
			<-ctx.Done()
			return scheduler.Shutdown()
		},
	}
}

func newTokenCommand() *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a service token",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication()
			if err != nil {
				return err
			}
			defer app.Close()

			for _, role := range roles {
				if !auth.KnownRole(role) {
					return fmt.Errorf("unknown role %q", role)
				}
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(app.config.AuthSigningSecret),
				Issuer:        app.config.AuthIssuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(subject, roles)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject")
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleScheduler}, "Granted roles (admin, scheduler)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// closeFinishedDays closes every day up to yesterday, in each user's own
// timezone, for the union of profiled users and users with event streams.
func (app *application) closeFinishedDays(ctx context.Context) error {
	userIDs, err := app.knownUserIDs(ctx)
	if err != nil {
		return err
	}

	var (
		mu       sync.Mutex
		failures []error
		closed   int
	)
	group := errgroup.Group{}
	group.SetLimit(app.config.SchedulerConcurrency)
	for _, rawUserID := range userIDs {
		if ctx.Err() != nil {
			break
		}
		group.Go(func() error {
			count, err := app.closeUser(ctx, rawUserID)
			mu.Lock()
			defer mu.Unlock()
			closed += count
			if err != nil {
				app.logger.Error("close days failed", zap.String("user_id", rawUserID), zap.Error(err))
				failures = append(failures, fmt.Errorf("%s: %w", rawUserID, err))
			}
			return nil
		})
	}
	_ = group.Wait()

	app.logger.Info("close days finished",
		zap.Int("users", len(userIDs)),
		zap.Int("days_closed", closed),
		zap.Int("failures", len(failures)))
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Join(failures...)
}

func (app *application) closeUser(ctx context.Context, rawUserID string) (int, error) {
	userID, err := events.NewUserID(rawUserID)
	if err != nil {
		return 0, err
	}
	location, err := app.profiles.ResolveLocation(ctx, userID.String())
	if err != nil {
		return 0, err
	}
	yesterday, err := calendar.AddDays(calendar.DayKey(time.Now(), location), -1)
	if err != nil {
		return 0, err
	}
	results, err := app.streaks.CloseThrough(ctx, userID, yesterday)
	if errors.Is(err, events.ErrUserHalted) {
		app.logger.Warn("skipping halted user", zap.String("user_id", userID.String()))
		return len(results), nil
	}
	return len(results), err
}

func (app *application) knownUserIDs(ctx context.Context) ([]string, error) {
	profiled, err := app.profiles.ListUserIDs(ctx)
	if err != nil {
		return nil, err
	}
	active, err := app.events.ListActiveUserIDs(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(profiled)+len(active))
	for _, userID := range append(profiled, active...) {
		seen[userID] = struct{}{}
	}
	userIDs := make([]string, 0, len(seen))
	for userID := range seen {
		userIDs = append(userIDs, userID)
	}
	sort.Strings(userIDs)
	return userIDs, nil
}

