// Command ws_probe dials a workspace agent runtime and verifies the
// supervisor wire contract end to end: thread/start, turn/start, and the
// event stream for the started turn.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<marshal-error:%v>", err)
	}
	return string(b)
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:4500", "workspace websocket endpoint")
	cwd := flag.String("cwd", "", "workspace root sent with thread/start")
	prompt := flag.String("prompt", "Reply with the single word: pong", "turn prompt")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, *url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	conn.SetReadLimit(1 << 22)
	fmt.Printf("DIAL ok url=%s\n", *url)

	send := func(id int, method string, params interface{}) {
		req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
		if err := wsjson.Write(ctx, conn, req); err != nil {
			fmt.Fprintf(os.Stderr, "write %s failed: %v\n", method, err)
			os.Exit(1)
		}
	}

	// Responses and pushed events arrive interleaved on one stream.
	waitResponse := func(id int) map[string]interface{} {
		for {
			var frame map[string]interface{}
			if err := wsjson.Read(ctx, conn, &frame); err != nil {
				fmt.Fprintf(os.Stderr, "read failed waiting for id=%d: %v\n", id, err)
				os.Exit(1)
			}
			if method, ok := frame["method"].(string); ok {
				fmt.Printf("EVENT %s %s\n", method, mustJSON(frame["params"]))
				continue
			}
			if got, ok := frame["id"].(float64); ok && int(got) == id {
				if errObj, has := frame["error"]; has && errObj != nil {
					fmt.Fprintf(os.Stderr, "rpc error for id=%d: %s\n", id, mustJSON(errObj))
					os.Exit(1)
				}
				return frame
			}
		}
	}

	startParams := map[string]interface{}{"approvalPolicy": "on-request"}
	if strings.TrimSpace(*cwd) != "" {
		startParams["cwd"] = *cwd
	}
	send(1, "thread/start", startParams)
	started := waitResponse(1)

	threadID := extractString(started, "result", "threadId")
	if threadID == "" {
		fmt.Fprintf(os.Stderr, "thread/start response missing threadId: %s\n", mustJSON(started))
		os.Exit(1)
	}
	fmt.Printf("THREAD_START ok thread=%s\n", threadID)

	send(2, "turn/start", map[string]interface{}{
		"threadId": threadID,
		"input":    []map[string]interface{}{{"type": "text", "text": *prompt}},
	})
	turn := waitResponse(2)
	turnID := extractString(turn, "result", "turnId")
	fmt.Printf("TURN_START ok turn=%s\n", turnID)

	// Drain events until the turn finishes or the timeout hits.
	for {
		var frame map[string]interface{}
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			fmt.Fprintf(os.Stderr, "event stream closed before turn completion: %v\n", err)
			os.Exit(1)
		}
		method, _ := frame["method"].(string)
		if method == "" {
			continue
		}
		fmt.Printf("EVENT %s %s\n", method, mustJSON(frame["params"]))
		switch method {
		case "turn/completed":
			fmt.Println("PROBE ok")
			return
		case "turn/failed", "error":
			fmt.Fprintln(os.Stderr, "PROBE failed: turn did not complete")
			os.Exit(1)
		}
	}
}

func extractString(frame map[string]interface{}, keys ...string) string {
	var cur interface{} = frame
	for _, key := range keys {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return ""
		}
		cur = m[key]
	}
	s, _ := cur.(string)
	return s
}
