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
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/peterbourgon/ff/v3"
	"github.com/spacechunks/sessionpool/gateway"
)

func main() {
	var (
		logger               = slog.New(slog.NewJSONHandler(os.Stdout, nil))
		fs                   = flag.NewFlagSet("gateway", flag.ContinueOnError)
		listenAddr           = fs.String("listen-address", ":9040", "address and port the gateway listens on")
		kubeconfig           = fs.String("kubeconfig", "", "path to the kubeconfig file. empty means in-cluster config")                             //nolint:lll
		namespace            = fs.String("namespace", "sessionpool", "namespace the session pods are created in")                                    //nolint:lll
		ownerID              = fs.String("owner-id", defaultOwnerID(), "unique id of this gateway replica, used to mark claimed pods. must differ per replica") //nolint:lll
		coreImage            = fs.String("core-image", "", "image of the built-in default environment")                                             //nolint:lll
		defaultEnvironment   = fs.String("default-environment", "core", "id of the environment standby pods are created with")                       //nolint:lll
		environmentsFile     = fs.String("environments-file", "", "path to a yaml file with additional environment descriptors")                     //nolint:lll
		containerPort        = fs.Int("container-port", 8080, "port the session container listens on")                                              //nolint:lll
		defaultCPUMillis     = fs.Int64("default-cpu-millis", 500, "cpu request and limit in millicores applied when a session declares none")       //nolint:lll
		defaultMemoryGiB     = fs.Float64("default-memory-gib", 1, "memory request and limit in GiB applied when a session declares none")           //nolint:lll
		targetPoolSize       = fs.Int("target-pool-size", 3, "number of standby pods the fill loop maintains")                                       //nolint:lll
		standbyFillInterval  = fs.Duration("standby-fill-interval", 30*time.Second, "how often the standby pool is topped up")                       //nolint:lll
		cleanInterval        = fs.Duration("clean-interval", 15*time.Second, "how often terminal and stale pods are removed")                        //nolint:lll
		podStaleTimeout      = fs.Duration("pod-stale-timeout", 30*time.Minute, "age after which an unbound pod is considered stale and removed")    //nolint:lll
		affinityWeight       = fs.Int("affinity-weight", 50, "weight (0-100) of the soft affinity packing session pods onto the same host. 0 disables it") //nolint:lll
		cacheRefreshInterval = fs.Duration("cache-refresh-interval", 10*time.Second, "max age of the pod directory cache")                           //nolint:lll
		acquireRetryLimit    = fs.Int("acquire-retry-limit", 3, "how many lost claim races to retry before reporting pool exhaustion")               //nolint:lll
		proxyTimeout         = fs.Duration("proxy-timeout", 30*time.Second, "timeout for requests forwarded to session pods")                        //nolint:lll
		sessionSigningKey    = fs.String("session-signing-key", "", "key used to sign session tokens issued by the gateway")                         //nolint:lll
		sessionTokenIssuer   = fs.String("session-token-issuer", "sessionpool", "issuer set on session tokens issued by the gateway")                //nolint:lll
		sessionTokenExpiry   = fs.Duration("session-token-expiry", 24*time.Hour, "expiry of session tokens issued by the gateway")                   //nolint:lll
	)
	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("GATEWAY"),
	); err != nil {
		die(logger, "failed to parse config", err)
	}

	var (
		cfg = gateway.Config{
			ListenAddr:           *listenAddr,
			Kubeconfig:           *kubeconfig,
			Namespace:            *namespace,
			OwnerID:              *ownerID,
			CoreImage:            *coreImage,
			DefaultEnvironment:   *defaultEnvironment,
			EnvironmentsFile:     *environmentsFile,
			ContainerPort:        *containerPort,
			DefaultCPUMillis:     *defaultCPUMillis,
			DefaultMemoryGiB:     *defaultMemoryGiB,
			TargetPoolSize:       *targetPoolSize,
			StandbyFillInterval:  *standbyFillInterval,
			CleanInterval:        *cleanInterval,
			PodStaleTimeout:      *podStaleTimeout,
			AffinityWeight:       *affinityWeight,
			CacheRefreshInterval: *cacheRefreshInterval,
			AcquireRetryLimit:    *acquireRetryLimit,
			ProxyTimeout:         *proxyTimeout,
			SessionSigningKey:    *sessionSigningKey,
			SessionTokenIssuer:   *sessionTokenIssuer,
			SessionTokenExpiry:   *sessionTokenExpiry,
		}
		ctx    = context.Background()
		server = gateway.NewServer(logger, cfg)
	)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		s := <-c
		logger.Info("received shutdown signal", "signal", s)
		server.Stop()
	}()

	if err := server.Run(ctx); err != nil {
		var multi *multierror.Error
		if errors.As(err, &multi) {
			errs := make([]string, 0, len(multi.WrappedErrors()))
			for _, err := range multi.WrappedErrors() {
				errs = append(errs, err.Error())
			}
			die(logger, "failed to run server", errors.New(strings.Join(errs, ",")))
			return
		}
		die(logger, "failed to run server", err)
	}
}

func die(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}

// defaultOwnerID falls back to the hostname, which is unique per
// replica in the pod-per-replica deployments this gateway runs in.
func defaultOwnerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "gateway"
	}
	return hostname
}
