package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"

	"github.com/BurntSushi/toml"
	kitlog "github.com/go-kit/kit/log"
	"github.com/gorilla/mux"
	"github.com/tidwall/buntdb"

	"github.com/mnehpets/onerpc/endpoint"
	"github.com/mnehpets/onerpc/jsonrpc"
	"github.com/mnehpets/onerpc/middleware"
)

// Config is the kvstore service configuration, loaded from a TOML file.
type Config struct {
	Addr     string `toml:"addr"`
	Database string `toml:"database"`
	Metrics  bool   `toml:"metrics"`
}

func loadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.Database == "" {
		cfg.Database = ":memory:"
	}
	return nil
}

// kvService answers the kv.* methods over a buntdb store.
type kvService struct {
	db *buntdb.DB
}

type keyParams struct {
	Key string `json:"key"`
}

type setParams struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type keysParams struct {
	Pattern string `json:"pattern"`
}

func (s *kvService) dispatch(ctx context.Context, req *jsonrpc.Request) jsonrpc.Response {
	switch req.Method {
	case "kv.get":
		return s.get(req)
	case "kv.set":
		return s.set(req)
	case "kv.delete":
		return s.delete(req)
	case "kv.keys":
		return s.keys(req)
	default:
		return req.MethodNotFound(req.Method)
	}
}

func (s *kvService) get(req *jsonrpc.Request) jsonrpc.Response {
	params, errResp := jsonrpc.ParseParams[keyParams](req)
	if errResp != nil {
		return *errResp
	}

	var value string
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(params.Key)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewServerError(-32001, "key not found", params.Key))
	}
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewInternalError(err.Error()))
	}
	return jsonrpc.NewResponse(req.ID, value)
}

func (s *kvService) set(req *jsonrpc.Request) jsonrpc.Response {
	params, errResp := jsonrpc.ParseParams[setParams](req)
	if errResp != nil {
		return *errResp
	}

	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(params.Key, params.Value, nil)
		return err
	})
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewInternalError(err.Error()))
	}
	return jsonrpc.NewResponse(req.ID, true)
}

func (s *kvService) delete(req *jsonrpc.Request) jsonrpc.Response {
	params, errResp := jsonrpc.ParseParams[keyParams](req)
	if errResp != nil {
		return *errResp
	}

	deleted := true
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(params.Key)
		return err
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		deleted = false
		err = nil
	}
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewInternalError(err.Error()))
	}
	return jsonrpc.NewResponse(req.ID, deleted)
}

func (s *kvService) keys(req *jsonrpc.Request) jsonrpc.Response {
	params, errResp := jsonrpc.ParseParams[keysParams](req)
	if errResp != nil {
		return *errResp
	}
	if params.Pattern == "" {
		params.Pattern = "*"
	}

	keys := []string{}
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(params.Pattern, func(key, _ string) bool {
			keys = append(keys, key)
			return true
		})
	})
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewInternalError(err.Error()))
	}
	return jsonrpc.NewResponse(req.ID, keys)
}

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	db, err := buntdb.Open(cfg.Database)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	logger := kitlog.With(kitlog.NewLogfmtLogger(os.Stderr), "app", "kvstore")

	svc := &kvService{db: db}
	srv := jsonrpc.NewServer(svc.dispatch, jsonrpc.ServerErrorLogger(logger))
	metrics := middleware.NewMetricsProcessor("kvstore")

	r := mux.NewRouter()
	r.Handle("/rpc", endpoint.Handler(srv.Endpoint,
		middleware.NewRequestIDProcessor(),
		middleware.NewRequestLogProcessor(logger),
		metrics,
		middleware.NewSecurityHeadersProcessor(),
	)).Methods(http.MethodPost)
	if cfg.Metrics {
		r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}

	log.Println("Listening on", cfg.Addr)
	log.Fatal(http.ListenAndServe(cfg.Addr, r))
}
