package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"classtrack/internal/apperr"
	"classtrack/internal/auth"
	"classtrack/internal/clock"
	"classtrack/internal/config"
	"classtrack/internal/docstore"
	"classtrack/internal/roster"
	"classtrack/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "admin",
	Short: "Operational tooling for the classtrack services",
	Long: `admin prepares and inspects the classtrack deployment:
database migration, demo data seeding, and dev token minting.
Configuration comes from the same environment variables as the services.`,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the table or indexes for the configured docstore backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		ctx := cmd.Context()
		switch cfg.DocstoreBackend {
		case "postgres":
			db, err := store.NewDB(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := docstore.NewPostgres(db.Client).Migrate(ctx); err != nil {
				return err
			}
			fmt.Println("postgres documents table ready")
		case "mongo":
			mc, err := store.NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
			if err != nil {
				return err
			}
			defer mc.Close(context.Background())
			indexes := map[string][]string{
				"sessions":              {"class_id", "status"},
				"attendance_records":    {"session_id"},
				"verification_requests": {"status"},
				"enrollments":           {"class_id"},
				"student_enrollments":   {"student_id"},
			}
			if err := docstore.NewMongo(mc.DB).EnsureIndexes(ctx, indexes); err != nil {
				return err
			}
			fmt.Println("mongo indexes ready")
		default:
			return fmt.Errorf("nothing to migrate for backend %q", cfg.DocstoreBackend)
		}
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create a demo class with a few enrolled students",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		ctx := cmd.Context()
		backend, cleanup, err := openDocstore(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		teacherID, _ := cmd.Flags().GetString("teacher")
		className, _ := cmd.Flags().GetString("name")

		dir := roster.NewDirectory(backend, clock.System{})
		class, err := dir.CreateClass(ctx, teacherID, className)
		if err != nil {
			return err
		}

		students := []struct{ id, name string }{
			{"student-alice", "Alice Johnson"},
			{"student-bob", "Bob Chen"},
			{"student-carol", "Carol Diaz"},
		}
		for _, st := range students {
			if _, err := dir.Enroll(ctx, class.ID, st.id, st.name); err != nil && !apperr.IsKind(err, apperr.Conflict) {
				return err
			}
		}
		fmt.Printf("class %s (%s) ready with %d students\n", class.ID, class.Name, len(students))
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Mint a development JWT for the given subject",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		roleStr, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		tok, exp, err := auth.Issue(args[0], auth.Role(roleStr), cfg.JWTIssuer, cfg.JWTSigningKey, ttl)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		fmt.Fprintf(os.Stderr, "role=%s expires=%s\n", roleStr, exp.Format(time.RFC3339))
		return nil
	},
}

func openDocstore(ctx context.Context, cfg config.App) (docstore.Store, func(), error) {
	switch cfg.DocstoreBackend {
	case "postgres":
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		return docstore.NewPostgres(db.Client), func() { _ = db.Close() }, nil
	case "mongo":
		mc, err := store.NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, fmt.Errorf("mongo: %w", err)
		}
		return docstore.NewMongo(mc.DB), func() { _ = mc.Close(context.Background()) }, nil
	default:
		return nil, nil, fmt.Errorf("backend %q is not seedable from another process", cfg.DocstoreBackend)
	}
}

func init() {
	seedCmd.Flags().String("teacher", "teacher-demo", "teacher id that owns the class")
	seedCmd.Flags().String("name", "Demo 101", "class name")
	tokenCmd.Flags().String("role", "student", "teacher, student, or admin")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
