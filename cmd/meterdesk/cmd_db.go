package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/meterdesk/meterdesk/app/models"
	"github.com/meterdesk/meterdesk/app/repositories"
	"github.com/meterdesk/meterdesk/config"
	"github.com/meterdesk/meterdesk/pkg/auth"
	"github.com/meterdesk/meterdesk/pkg/database"
)

// bootDB loads config and opens the database connection.
func bootDB(ctx context.Context) (*database.Client, error) {
	if err := config.Load(); err != nil {
		return nil, err
	}
	return database.Connect(ctx)
}

// meterdesk migrate — ensure all collection indexes exist.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Ensure all database indexes (unique email, 2dsphere location, pending uniqueness)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		db, err := bootDB(ctx)
		if err != nil {
			return err
		}
		defer db.Disconnect(ctx)

		fmt.Println("Ensuring indexes…")
		if err := repositories.NewUserRepository(db).EnsureIndexes(ctx); err != nil {
			return err
		}
		if err := repositories.NewReadingRepository(db).EnsureIndexes(ctx); err != nil {
			return err
		}
		fmt.Println("Done.")
		return nil
	},
}

// meterdesk seed — create the initial admin user.
var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the initial admin user (SEED_ADMIN_EMAIL / SEED_ADMIN_PASSWORD)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		db, err := bootDB(ctx)
		if err != nil {
			return err
		}
		defer db.Disconnect(ctx)

		email := config.Get("SEED_ADMIN_EMAIL", "admin@meterdesk.local")
		password := config.Get("SEED_ADMIN_PASSWORD", "")
		if password == "" {
			return fmt.Errorf("SEED_ADMIN_PASSWORD is required")
		}

		users := repositories.NewUserRepository(db)
		if _, err := users.FindByEmail(ctx, email); err == nil {
			fmt.Printf("Admin %s already exists, nothing to do.\n", email)
			return nil
		} else if !errors.Is(err, mongo.ErrNoDocuments) {
			return err
		}

		hash, err := auth.HashPassword(password)
		if err != nil {
			return err
		}
		admin := models.User{
			Name:     config.Get("SEED_ADMIN_NAME", "Admin"),
			Email:    email,
			Password: hash,
			Role:     "admin",
		}
		if err := users.Create(ctx, &admin); err != nil {
			return err
		}
		fmt.Printf("Seeded admin %s (%s)\n", admin.Email, admin.ID.Hex())
		return nil
	},
}
