package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sreenathmmenon/EngineIQ/config"
	"github.com/sreenathmmenon/EngineIQ/internal/runtime"
	"github.com/sreenathmmenon/EngineIQ/internal/session"
)

// tokenCMD mints a requester JWT for local development and testing.
func tokenCMD() *cobra.Command {
	var cfgPath string
	var userID string
	var teams []string
	var location string
	var userType string
	var ttl time.Duration

	var token = &cobra.Command{
		Use:   "token",
		Short: "Mint a requester JWT for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			secret, err := runtime.LoadJWTSecret(cfg)
			if err != nil {
				return err
			}
			signed, err := runtime.SignJWT(session.Requester{
				UserID:   userID,
				Teams:    teams,
				Location: location,
				UserType: userType,
			}, secret, ttl)
			if err != nil {
				return err
			}
			fmt.Println(signed)
			return nil
		},
	}
	token.Flags().StringVar(&userID, "user", "dev", "user id (JWT subject)")
	token.Flags().StringSliceVar(&teams, "teams", nil, "team memberships")
	token.Flags().StringVar(&location, "location", "US", "requester location")
	token.Flags().StringVar(&userType, "user-type", "employee", "employee, contractor, third_party or vendor")
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	token.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config/config.json)")

	return token
}
