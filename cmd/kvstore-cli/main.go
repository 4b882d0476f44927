package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tmslee/kvstore/internal/protocol"
	"github.com/tmslee/kvstore/internal/server"
	"github.com/tmslee/kvstore/pkg/client"
)

func main() {
	host := flag.String("host", "127.0.0.1", "server address")
	port := flag.Int("port", server.DefaultPort, "server port")
	binary := flag.Bool("binary", false, "use the binary protocol")
	timeout := flag.Duration("timeout", 5*time.Second, "socket timeout")
	flag.Parse()

	c := client.New(client.Options{
		Host:    *host,
		Port:    *port,
		Binary:  *binary,
		Timeout: *timeout,
	})
	if err := c.Connect(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer c.Disconnect()

	fmt.Printf("connected to %s:%d\n", *host, *port)

	in := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !in.Scan() {
			break
		}
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}

		req := protocol.DecodeTextRequest(line)
		if req.Command == protocol.CmdUnknown {
			fmt.Println("unknown command (GET, PUT, PUTEX, DEL, EXISTS, SIZE, CLEAR, PING, QUIT)")
			continue
		}

		resp, err := c.Do(req)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Print(protocol.EncodeTextResponse(resp))
		if resp.CloseConnection {
			break
		}
	}
}
