package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"syscall"

	"github.com/mike1808/discord-wiki-bot/wikibot"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gorm.io/gorm"
)

// passwordReader reads a password without echoing it. Swapped out in tests.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set API admin credentials",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable WIKIBOT_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable WIKIBOT_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}

		db, err := wikibot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		defer func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		}()

		var runtimeConfig wikibot.RuntimeConfig
		rv := db.Last(&runtimeConfig)
		if rv.Error != nil {
			if !errors.Is(rv.Error, gorm.ErrRecordNotFound) {
				log.Fatalf("Error retrieving runtime config: %s", rv.Error.Error())
			}
			runtimeConfig = wikibot.DefaultRuntimeConfig()
			if err = db.Create(&runtimeConfig).Error; err != nil {
				log.Fatalf("Error creating runtime config: %v", err)
			}
		}

		out := cmd.OutOrStdout()
		if runtimeConfig.AdminUsername != "" && runtimeConfig.AdminPassword != "" {
			fmt.Fprintln(out, "Admin credentials are already set.")
			fmt.Fprintln(
				out,
				"Initialization complete. You can now start the bot with the 'run' subcommand.",
			)
			return
		}

		fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")

		reader := bufio.NewReader(os.Stdin)

		fmt.Fprint(out, "Enter admin username: ")
		username, _ := reader.ReadString('\n')
		username = strings.TrimSpace(username)

		if customPasswordReader == nil {
			customPasswordReader = func() ([]byte, error) {
				return term.ReadPassword(int(syscall.Stdin))
			}
		}

		var password string
		for {
			fmt.Fprint(out, "Enter admin password: ")
			passwordBytes, _ := customPasswordReader()
			password = string(passwordBytes)
			fmt.Fprintln(out)

			fmt.Fprint(out, "Confirm admin password: ")
			confirmBytes, _ := customPasswordReader()
			fmt.Fprintln(out)

			if password == "" {
				fmt.Fprintln(out, "Password can't be empty. Please try again.")
				continue
			}
			if password == string(confirmBytes) {
				break
			}
			fmt.Fprintln(out, "Passwords do not match. Please try again.")
		}

		hashedPassword, err := wikibot.HashPassword(password)
		if err != nil {
			log.Fatalf("Error hashing password: %v", err)
		}

		if err = db.Model(&runtimeConfig).Updates(
			map[string]any{
				"admin_username": username,
				"admin_password": hashedPassword,
			},
		).Error; err != nil {
			log.Fatalf("Error updating admin credentials: %v", err)
		}

		fmt.Fprintln(out, "Admin credentials set successfully.")
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
