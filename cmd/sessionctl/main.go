/*
 Session Pool, a gateway for allocating isolated compute session pods.
 Copyright (C) 2026 Yannic Rieger <oss@76k.io>

 This program is free software: you can redistribute it and/or modify
 it under the terms of the GNU Affero General Public License as published by
 the Free Software Foundation, either version 3 of the License, or
 (at your option) any later version.

 This program is distributed in the hope that it will be useful,
 but WITHOUT ANY WARRANTY; without even the implied warranty of
 MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 GNU Affero General Public License for more details.

 You should have received a copy of the GNU Affero General Public License
 along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/rodaine/table"
	"github.com/spacechunks/sessionpool/gateway/cluster"
	"github.com/spacechunks/sessionpool/gateway/directory"
	"github.com/spacechunks/sessionpool/gateway/environment"
	"github.com/spacechunks/sessionpool/gateway/pool"
	"github.com/spacechunks/sessionpool/gateway/resource"
	"github.com/spacechunks/sessionpool/gateway/session"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:  "sessionctl",
		Long: "Operator tooling for the session pool gateway.",
	}

	root.AddCommand(
		newPodsCommand(),
		newSpawnCommand(),
		newEnvironmentsCommand(),
		newTokenCommand(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newPodsCommand() *cobra.Command {
	var (
		kubeconfig string
		namespace  string
	)

	run := func(cmd *cobra.Command, args []string) error {
		clientset, err := cluster.NewClientset(kubeconfig)
		if err != nil {
			return fmt.Errorf("connect to cluster: %w", err)
		}

		dir := directory.NewService(
			slog.New(slog.NewTextHandler(os.Stderr, nil)),
			cluster.NewPodClient(clientset, namespace),
			time.Second,
		)

		snap, err := dir.List(context.Background())
		if err != nil {
			return fmt.Errorf("error while listing pods: %w", err)
		}

		t := table.New("NAME", "STAGE", "PHASE", "IP", "AGE", "POSITION")
		for _, rec := range snap.Records {
			pos := "-"
			if rec.PendingPosition >= 0 {
				pos = strconv.Itoa(rec.PendingPosition)
			}
			t.AddRow(
				rec.ID,
				rec.Stage,
				rec.Phase,
				rec.IP,
				time.Since(rec.CreatedAt).Truncate(time.Second),
				pos,
			)
		}
		t.Print()

		return nil
	}

	cmd := &cobra.Command{
		Use:          "pods",
		Short:        "Lists all session pods with their pool stage and phase.",
		RunE:         run,
		SilenceUsage: true,
	}
	cmd.Flags().StringVar(&kubeconfig, "kubeconfig", "", "path to the kubeconfig file. empty means in-cluster config")
	cmd.Flags().StringVar(&namespace, "namespace", "sessionpool", "namespace the session pods live in")

	return cmd
}

func newSpawnCommand() *cobra.Command {
	var (
		kubeconfig string
		namespace  string
		file       string
		envID      string
		port       int32
	)

	run := func(cmd *cobra.Command, args []string) error {
		clientset, err := cluster.NewClientset(kubeconfig)
		if err != nil {
			return fmt.Errorf("connect to cluster: %w", err)
		}

		descriptors, err := environment.LoadFile(file)
		if err != nil {
			return fmt.Errorf("error while loading environments: %w", err)
		}

		envs, err := environment.NewRegistry(descriptors)
		if err != nil {
			return fmt.Errorf("invalid environments file: %w", err)
		}

		var (
			logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
			pods   = cluster.NewPodClient(clientset, namespace)
			svc    = pool.NewService(logger, pool.Config{
				OwnerID:            "sessionctl",
				DefaultEnvironment: envID,
				ContainerPort:      port,
			}, pods, directory.NewService(logger, pods, time.Second), envs, resource.NewPolicy(resource.Defaults{}))
		)

		rec, err := svc.Spawn(cmd.Context(), envID, pool.StageSpawned, resource.Request{})
		if err != nil {
			return fmt.Errorf("error while spawning pod: %w", err)
		}

		fmt.Println(rec.ID)
		return nil
	}

	cmd := &cobra.Command{
		Use:          "spawn",
		Short:        "Spawns a dedicated pod for an environment, bypassing the standby pool.",
		RunE:         run,
		SilenceUsage: true,
	}
	cmd.Flags().StringVar(&kubeconfig, "kubeconfig", "", "path to the kubeconfig file. empty means in-cluster config")
	cmd.Flags().StringVar(&namespace, "namespace", "sessionpool", "namespace to create the pod in")
	cmd.Flags().StringVar(&file, "file", "environments.yaml", "path to the environment descriptor file")
	cmd.Flags().StringVar(&envID, "environment", "", "id of the environment to spawn")
	cmd.Flags().Int32Var(&port, "port", 8080, "port the session container listens on")

	return cmd
}

func newEnvironmentsCommand() *cobra.Command {
	var file string

	run := func(cmd *cobra.Command, args []string) error {
		descriptors, err := environment.LoadFile(file)
		if err != nil {
			return fmt.Errorf("error while loading environments: %w", err)
		}

		reg, err := environment.NewRegistry(descriptors)
		if err != nil {
			return fmt.Errorf("invalid environments file: %w", err)
		}

		t := table.New("ID", "IMAGE", "PULL POLICY")
		for _, d := range reg.Descriptors() {
			t.AddRow(d.ID, d.Image, d.PullPolicy)
		}
		t.Print()

		return nil
	}

	cmd := &cobra.Command{
		Use:          "environments",
		Short:        "Validates and lists the environments of a descriptor file.",
		RunE:         run,
		SilenceUsage: true,
	}
	cmd.Flags().StringVar(&file, "file", "environments.yaml", "path to the environment descriptor file")

	return cmd
}

func newTokenCommand() *cobra.Command {
	var (
		signingKey string
		issuer     string
		expiry     time.Duration
		sessionID  string
		podID      string
		env        string
	)

	run := func(cmd *cobra.Command, args []string) error {
		codec := session.NewTokenCodec([]byte(signingKey), issuer, expiry)

		token, err := codec.Sign(session.Session{
			ID:          sessionID,
			PodID:       podID,
			Environment: env,
			CreatedAt:   time.Now(),
		})
		if err != nil {
			return fmt.Errorf("error while signing token: %w", err)
		}

		fmt.Println(token)
		return nil
	}

	cmd := &cobra.Command{
		Use:          "token",
		Short:        "Mints a session token, mainly useful for debugging.",
		RunE:         run,
		SilenceUsage: true,
	}
	cmd.Flags().StringVar(&signingKey, "signing-key", "", "key the gateway signs session tokens with")
	cmd.Flags().StringVar(&issuer, "issuer", "sessionpool", "issuer set on the token")
	cmd.Flags().DurationVar(&expiry, "expiry", 24*time.Hour, "expiry of the token")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "session id claim")
	cmd.Flags().StringVar(&podID, "pod-id", "", "pod id claim")
	cmd.Flags().StringVar(&env, "environment", "", "environment claim")

	return cmd
}
