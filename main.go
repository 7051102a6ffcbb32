package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fedeng/deino/collection"
	"github.com/fedeng/deino/db"
	"github.com/fedeng/deino/delivery"
	"github.com/fedeng/deino/domain"
	"github.com/fedeng/deino/engine"
	"github.com/fedeng/deino/pipeline"
	"github.com/fedeng/deino/refstore"
	"github.com/fedeng/deino/security"
	"github.com/fedeng/deino/util"
	"github.com/fedeng/deino/web"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	root := &cobra.Command{
		Use:   util.Name,
		Short: "Federation protocol engine for the fediverse",
	}
	root.AddCommand(serveCmd(), adduserCmd(), resolveCmd(), blockCmd(), unblockCmd())

	if err := root.Execute(); err != nil {
		zap.S().Fatal(err)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the federation server and delivery worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := util.ReadConf()
			if err != nil {
				return err
			}
			zap.S().Infof("Configuration: %s", util.PrettyPrint(conf))

			database := db.GetDB()
			defer database.Close()

			refs := refstore.NewStore(database, conf)
			coll := collection.NewEngine(database)
			gate := security.NewGate(database, refs)
			eng := engine.NewEngine(database, refs, coll, conf)
			del := delivery.NewDeliverer(conf)
			pipe := pipeline.New(database, refs, gate, eng, del, conf)

			ctx, stop := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pipe.StartDeliveryWorker(ctx)

			srv := web.NewServer(conf, database, coll, pipe)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Run() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				zap.S().Info("Shutting down")
				return nil
			}
		},
	}
}

func adduserCmd() *cobra.Command {
	var manual bool
	cmd := &cobra.Command{
		Use:   "adduser <username>",
		Short: "Create a local account with a fresh signing keypair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := util.ReadConf()
			if err != nil {
				return err
			}
			database := db.GetDB()
			defer database.Close()

			pair := util.GeneratePemKeypair()
			acc := &domain.Account{
				Id:               uuid.New(),
				Username:         args[0],
				PublicKeyPem:     pair.Public,
				PrivateKeyPem:    pair.Private,
				ManuallyApproves: manual,
				CreatedAt:        time.Now(),
			}
			if err := database.CreateAccount(acc); err != nil {
				return err
			}
			refs := refstore.NewStore(database, conf)
			if _, err := refs.EnsureLocalActor(acc); err != nil {
				return err
			}
			fmt.Printf("created %s\n", acc.ActorURI(conf.Conf.SslDomain))
			return nil
		},
	}
	cmd.Flags().BoolVar(&manual, "manual", false, "require manual approval of followers")
	return cmd
}

func resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <uri>",
		Short: "Force-resolve a remote reference and print its state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := util.ReadConf()
			if err != nil {
				return err
			}
			database := db.GetDB()
			defer database.Close()

			refs := refstore.NewStore(database, conf)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			ref, err := refs.Resolve(ctx, args[0], true)
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\t%s\n", ref.Id, ref.Status, ref.URI)
			return nil
		},
	}
}

func blockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "block <domain>",
		Short: "Block a remote domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setBlocked(args[0], true)
		},
	}
}

func unblockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <domain>",
		Short: "Unblock a remote domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setBlocked(args[0], false)
		},
	}
}

func setBlocked(name string, blocked bool) error {
	database := db.GetDB()
	defer database.Close()

	if _, err := database.GetOrCreateDomain(name, "https", 443, false); err != nil {
		return err
	}
	if err := database.SetDomainBlocked(name, blocked); err != nil {
		return err
	}
	if blocked {
		fmt.Printf("blocked %s\n", name)
	} else {
		fmt.Printf("unblocked %s\n", name)
	}
	return nil
}
