package main

import (
	"context"
	"log"
	"os"

	kitlog "github.com/go-kit/kit/log"
	"github.com/valyala/fasthttp"

	"github.com/mnehpets/onerpc/fasthttprpc"
	"github.com/mnehpets/onerpc/jsonrpc"
)

// The calculator dispatch from example/calculator, served over fasthttp.
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
	addr := os.Getenv("CALC_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	logger := kitlog.With(kitlog.NewLogfmtLogger(os.Stderr), "app", "fasthttp-calculator")

	srv := fasthttprpc.NewServer(dispatch, fasthttprpc.ServerErrorLogger(logger))

	// Try it:
	//   curl -s -X POST localhost:8080 -H 'Content-Type: application/json' \
	//     -d '{"jsonrpc":"2.0","id":1,"method":"calc.add","params":[2,3]}'
	log.Println("Listening on", addr)
	log.Fatal(fasthttp.ListenAndServe(addr, srv.Handle))
}
