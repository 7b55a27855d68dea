// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	_ "github.com/cubefs/cubefs/blobstore/util/version"

	"github.com/burstfs/metadb/server"
	"github.com/burstfs/metadb/util"
)

const (
	defaultGrpcAddr = ":9400"
	defaultHttpAddr = ":9500"
	defaultDBPath   = "./run/metadb"
)

// Config service config
type Config struct {
	server.Config

	// EnvFiles are loaded before the UNIFYCR_* variables are read.
	EnvFiles      []string  `json:"env_files"`
	MaxProcessors int       `json:"max_processors"`
	LogLevel      log.Level `json:"log_level"`
}

func main() {
	config.Init("f", "", "metadb.json")

	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		log.Fatal(errors.Detail(err))
	}
	if err := server.LoadEnv(&cfg.Config, cfg.EnvFiles...); err != nil {
		log.Fatal(errors.Detail(err))
	}

	initConfig(cfg)
	registerLogLevel()
	modifyOpenFiles()
	log.SetOutputLevel(cfg.LogLevel)

	span, ctx := trace.StartSpanFromContext(context.Background(), "metadb")
	metaServer, err := server.NewServer(ctx, &cfg.Config)
	if err != nil {
		log.Fatal(errors.Detail(err))
	}

	// start grpc server
	grpcServer := server.NewRPCServer(metaServer)
	if err = grpcServer.Serve(listenAddr(cfg.GrpcAddr)); err != nil {
		log.Fatal(errors.Detail(err))
	}
	// start http server
	httpServer := server.NewHttpServer(metaServer)
	if err = httpServer.Serve(cfg.HttpAddr); err != nil {
		log.Fatal(errors.Detail(err))
	}

	// wait for signal
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	sig := <-ch
	span.Infof("receive signal %s, stopping", sig)

	// stop all server
	httpServer.Stop()
	grpcServer.Stop()
	metaServer.Close(ctx)
}

func registerLogLevel() {
	logLevelPath, logLevelHandler := log.ChangeDefaultLevelHandler()
	profile.HandleFunc(http.MethodPost, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
	profile.HandleFunc(http.MethodGet, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
}

func modifyOpenFiles() {
	var rLimit syscall.Rlimit
	err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		log.Fatalf("getting rlimit failed: %s", err)
	}
	log.Info("system limit: ", rLimit)

	if rLimit.Cur >= 102400 && rLimit.Max >= 102400 {
		return
	}

	rLimit.Cur = 1024000
	rLimit.Max = 1024000

	err = syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		log.Fatalf("setting rlimit failed: %s", err)
	}
	err = syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		log.Fatalf("getting rlimit failed: %s", err)
	}
	log.Info("system limit: ", rLimit)
}

func initConfig(cfg *Config) {
	if cfg.MaxProcessors > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcessors)
	}
	if cfg.HttpAddr == "" {
		cfg.HttpAddr = defaultHttpAddr
	}
	if cfg.MetaDBPath == "" {
		cfg.MetaDBPath = defaultDBPath
	}

	// a single server needs no address book
	if len(cfg.ServerAddrs) == 0 && cfg.GrpcAddr == "" {
		addr, err := util.AdvertiseAddr(defaultGrpcAddr)
		if err != nil {
			log.Fatalf("can't get local ip address, please set grpc_addr or server_addrs: %s", err)
		}
		cfg.GrpcAddr = addr
	}
}

// listenAddr binds every interface on the port of an advertised address.
func listenAddr(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return ":" + port
}
