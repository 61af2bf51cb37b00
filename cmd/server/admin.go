package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/Chat/internal/domain"
	"github.com/dkeye/Chat/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close(cmd.Context())
		if err := store.Migrate(cmd.Context()); err != nil {
			return err
		}
		log.Info().Str("module", "main").Msg("migrations applied")
		return nil
	},
}

var roomOwner string

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "Manage persistent static rooms",
}

var roomsCreateCmd = &cobra.Command{
	Use:   "create ROOM",
	Short: "Create a static room owned by --owner",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		room, err := domain.ParseRoomID(args[0])
		if err != nil {
			return err
		}
		if roomOwner == "" {
			return fmt.Errorf("--owner is required")
		}
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close(cmd.Context())
		if err := store.CreateStaticRoom(cmd.Context(), room, domain.UserID(roomOwner)); err != nil {
			return err
		}
		log.Info().Str("module", "main").Str("room", string(room)).Str("owner", roomOwner).Msg("static room created")
		return nil
	},
}

var roomsAddMemberCmd = &cobra.Command{
	Use:   "add-member ROOM USER_ID",
	Short: "Allow a user into a static room",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		room, err := domain.ParseRoomID(args[0])
		if err != nil {
			return err
		}
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close(cmd.Context())
		if err := store.AddMember(cmd.Context(), room, domain.UserID(args[1])); err != nil {
			return err
		}
		log.Info().Str("module", "main").Str("room", string(room)).Str("user", args[1]).Msg("member added")
		return nil
	},
}

func init() {
	roomsCreateCmd.Flags().StringVar(&roomOwner, "owner", "", "owner user id")
	roomsCmd.AddCommand(roomsCreateCmd, roomsAddMemberCmd)
}

func openStore(cmd *cobra.Command) (storage.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(cmd.Context(), cfg.Storage.Driver, cfg.Storage.BadgerPath, cfg.Storage.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if err := store.Migrate(cmd.Context()); err != nil {
		_ = store.Close(cmd.Context())
		return nil, err
	}
	return store, nil
}
