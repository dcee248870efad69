package main

import (
	"context"
	"log"
	"net/http"
	"os"

	kitlog "github.com/go-kit/kit/log"
	"github.com/joho/godotenv"

	"github.com/mnehpets/onerpc/endpoint"
	"github.com/mnehpets/onerpc/jsonrpc"
	"github.com/mnehpets/onerpc/middleware"
)

func dispatch(ctx context.Context, req *jsonrpc.Request) jsonrpc.Response {
	switch req.Method {
	case "calc.add":
		nums, errResp := jsonrpc.ParseParams[[2]float64](req)
		if errResp != nil {
			return *errResp
		}
		return jsonrpc.NewResponse(req.ID, nums[0]+nums[1])

	case "calc.sub":
		args, errResp := jsonrpc.ParseParams[struct {
			A float64 `json:"a"`
			B float64 `json:"b"`
		}](req)
		if errResp != nil {
			return *errResp
		}
		return jsonrpc.NewResponse(req.ID, args.A-args.B)

	default:
		return req.MethodNotFound(req.Method)
	}
}

func main() {
	// Optional .env file; missing is fine.
	_ = godotenv.Load()

	addr := os.Getenv("CALC_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	logger := kitlog.With(kitlog.NewLogfmtLogger(os.Stderr), "app", "calculator")

	srv := jsonrpc.NewServer(dispatch, jsonrpc.ServerErrorLogger(logger))

	// Try it:
	//   curl -s -X POST localhost:8080/rpc -H 'Content-Type: application/json' \
	//     -d '{"jsonrpc":"2.0","id":1,"method":"calc.add","params":[2,3]}'
	http.Handle("/rpc", endpoint.Handler(srv.Endpoint,
		middleware.NewRequestIDProcessor(),
		middleware.NewRequestLogProcessor(logger),
	))

	log.Println("Listening on", addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}
