package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log"
	"net/http"
	"os"

	kitlog "github.com/go-kit/kit/log"
	"github.com/joho/godotenv"

	"github.com/mnehpets/onerpc/endpoint"
	"github.com/mnehpets/onerpc/jsonrpc"
	"github.com/mnehpets/onerpc/middleware"
)

// profile is the per-client state stored in the session cookie.
type profile struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

const profileKey = "profile"

func dispatch(ctx context.Context, req *jsonrpc.Request) jsonrpc.Response {
	sess, ok := middleware.SessionFromContext(ctx)
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewInternalError("no session attached"))
	}

	switch req.Method {
	case "profile.get":
		var p profile
		if err := sess.Get(profileKey, &p); err != nil {
			if err == middleware.ErrKeyNotFound {
				return jsonrpc.NewResponse(req.ID, nil)
			}
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewInternalError(err.Error()))
		}
		return jsonrpc.NewResponse(req.ID, p)

	case "profile.set":
		p, errResp := jsonrpc.ParseParams[profile](req)
		if errResp != nil {
			return *errResp
		}
		if err := sess.Set(profileKey, p); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewInternalError(err.Error()))
		}
		return jsonrpc.NewResponse(req.ID, true)

	case "profile.clear":
		if err := sess.Clear(); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewInternalError(err.Error()))
		}
		return jsonrpc.NewResponse(req.ID, true)

	default:
		return req.MethodNotFound(req.Method)
	}
}

func sessionKey() ([]byte, error) {
	// SESSION_KEY holds the base64 cookie key; without one we generate a
	// throwaway key, which invalidates existing cookies on restart.
	if enc := os.Getenv("SESSION_KEY"); enc != "" {
		return base64.StdEncoding.DecodeString(enc)
	}
	log.Println("SESSION_KEY not set, generating an ephemeral key")
	key := make([]byte, middleware.DefaultAEADKeysize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

func main() {
	// Optional .env file; missing is fine.
	_ = godotenv.Load()

	addr := os.Getenv("SESSION_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	key, err := sessionKey()
	if err != nil {
		log.Fatal(err)
	}

	// Allow non-https cookies, for http://localhost:8080.
	sessions, err := middleware.NewSessionProcessor(
		middleware.DefaultCookieName,
		"key1",
		map[string][]byte{"key1": key},
		middleware.WithSecure(false),
	)
	if err != nil {
		log.Fatal(err)
	}

	logger := kitlog.With(kitlog.NewLogfmtLogger(os.Stderr), "app", "session")

	srv := jsonrpc.NewServer(dispatch, jsonrpc.ServerErrorLogger(logger))

	// Try it (the cookie jar carries the profile between calls):
	//   curl -s -c jar -b jar -X POST localhost:8080/rpc -H 'Content-Type: application/json' \
	//     -d '{"jsonrpc":"2.0","id":1,"method":"profile.set","params":{"name":"ada","color":"teal"}}'
	//   curl -s -c jar -b jar -X POST localhost:8080/rpc -H 'Content-Type: application/json' \
	//     -d '{"jsonrpc":"2.0","id":2,"method":"profile.get","params":null}'
	http.Handle("/rpc", endpoint.Handler(srv.Endpoint,
		middleware.NewRequestIDProcessor(),
		middleware.NewRequestLogProcessor(logger),
		sessions,
	))

	log.Println("Listening on", addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}
