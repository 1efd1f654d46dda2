//go:build ignore

// Command mock-kernel simulates a protocol kernel for integration tests.
// It reads its connection info from -f <file> or KERNELCTL_CONNECTION and
// answers shell requests on stdin/stdout with the configured transport.
//
// MOCK_KERNEL_MODE controls behaviour:
//
//	echo       reply ok with pid and the request content (default)
//	hang       read the request, never reply
//	broken     reply with content missing "status"
//	crash      read the request, exit 3
//	stderr     write to stderr, exit 1 before reading
//	garbage    reply with an unparseable frame
//	banner     print non-JSON lines before replying (jsonl only)
//	iopub      send an iopub status message before the reply
//	badsig     sign the reply with the wrong key
//	slow-start sleep MOCK_KERNEL_DELAY before serving
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/danmuck/kernelctl/internal/protocol"
	"github.com/google/uuid"
)

type connection struct {
	Transport string `json:"transport"`
	Key       string `json:"key"`
	Session   string `json:"session"`
}

func main() {
	file := flag.String("f", "", "connection file")
	flag.Parse()

	conn := loadConnection(*file)
	mode := os.Getenv("MOCK_KERNEL_MODE")

	switch mode {
	case "stderr":
		fmt.Fprintln(os.Stderr, "mock kernel: fatal startup failure")
		os.Exit(1)
	case "slow-start":
		if d, err := time.ParseDuration(os.Getenv("MOCK_KERNEL_DELAY")); err == nil {
			time.Sleep(d)
		}
	case "banner":
		fmt.Println("Mock kernel 0.1 starting")
		fmt.Println("ready.")
	}

	codec, err := protocol.NewCodec(conn.Transport, os.Stdin, os.Stdout, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	signer := protocol.NewSigner(conn.Key)

	for {
		req, _, err := codec.ReadMessage()
		if err != nil {
			return
		}
		handle(codec, signer, conn, mode, req)
	}
}

func loadConnection(path string) connection {
	raw := []byte(os.Getenv("KERNELCTL_CONNECTION"))
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		raw = data
	}
	var c connection
	if err := json.Unmarshal(raw, &c); err != nil {
		fmt.Fprintln(os.Stderr, "mock kernel: bad connection info:", err)
		os.Exit(2)
	}
	return c
}

func handle(codec protocol.Codec, signer protocol.Signer, conn connection, mode string, req protocol.Envelope) {
	h, err := req.DecodeHeader()
	if err != nil {
		return
	}
	switch mode {
	case "hang":
		for {
			time.Sleep(time.Hour)
		}
	case "crash":
		os.Exit(3)
	case "garbage":
		if conn.Transport == protocol.TransportFrame {
			os.Stdout.Write(make([]byte, 32))
		} else {
			os.Stdout.Write([]byte("{garbage\n"))
		}
		return
	case "iopub":
		status := message(conn, "status", protocol.ChannelIOPub, req.Header, map[string]any{"execution_state": "busy"})
		signer.Sign(&status)
		_ = codec.WriteMessage(status)
	}

	content := map[string]any{
		"status":           "ok",
		"pid":              os.Getpid(),
		"protocol_version": protocol.Version,
		"echo":             req.Content,
	}
	if mode == "broken" {
		delete(content, "status")
	}
	reply := message(conn, protocol.ReplyType(h.MsgType), protocol.ChannelShell, req.Header, content)
	if mode == "badsig" {
		protocol.NewSigner("not-the-key").Sign(&reply)
	} else {
		signer.Sign(&reply)
	}
	_ = codec.WriteMessage(reply)
}

func message(conn connection, msgType, channel string, parent json.RawMessage, content map[string]any) protocol.Envelope {
	header, _ := json.Marshal(protocol.Header{
		MsgID:    uuid.NewString(),
		MsgType:  msgType,
		Session:  conn.Session,
		Username: "mock-kernel",
		Date:     time.Now().UTC().Format(time.RFC3339Nano),
		Version:  protocol.Version,
	})
	body, _ := json.Marshal(content)
	return protocol.Envelope{
		Channel:      channel,
		Header:       header,
		ParentHeader: parent,
		Metadata:     json.RawMessage(`{}`),
		Content:      body,
	}
}
