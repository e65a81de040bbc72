// julea-cli is an interactive client for poking at a running deployment:
// kv put/get/delete and object create/write/read/status/remove.
package main

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/rs/zerolog"

	"github.com/DeltaLaboratory/julea/cmd/julea-cli/parser"
	"github.com/DeltaLaboratory/julea/internal/config"
	"github.com/DeltaLaboratory/julea/internal/core"
)

const help = `Commands:
  PUT <namespace> <key> <value>          store a kv pair
  GET <namespace> <key>                  fetch a kv pair
  DELETE <namespace> <key>               delete a kv pair
  CREATE <namespace> <name>              create an object
  REMOVE <namespace> <name>              delete an object
  WRITE <namespace> <name> <off> <data>  write into an object
  READ <namespace> <name> <off> <len>    read from an object
  STATUS <namespace> <name>              show object size and mtime
  .help                                  show this help
  .exit                                  quit`

func main() {
	logger := zerolog.New(zerolog.NewConsoleWriter()).Level(zerolog.WarnLevel).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	runtime, err := core.New(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize runtime: %v", err)
	}
	defer runtime.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt: "julea> ",
	})
	if err != nil {
		log.Fatalf("Failed to initialize readline: %v", err)
	}
	defer rl.Close()

	fmt.Println("julea client (type '.help' for commands, '.exit' to quit)")
	for {
		line, err := rl.Readline()
		if err != nil {
			break
		}

		line = strings.TrimSpace(line)
		if line == ".help" {
			fmt.Println(help)
			continue
		} else if line == ".exit" {
			break
		} else if line == "" {
			continue
		}

		handleCommand(runtime, line)
	}
}

func handleCommand(runtime *core.Runtime, line string) {
	parsed, err := parser.Parse(line)
	if err != nil {
		fmt.Println("Parsing Error:", err)
		return
	}

	switch req := parsed.(type) {
	case parser.PutRequest:
		kv := runtime.KV().New(req.Namespace, req.Key)
		b := runtime.NewBatch(nil)

		if err := kv.Put([]byte(req.Value), b); err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		if !b.Execute() {
			fmt.Println("error: put failed")
			return
		}
		fmt.Printf("PUT: namespace=%s key=%s\n", req.Namespace, req.Key)

	case parser.GetRequest:
		kv := runtime.KV().New(req.Namespace, req.Key)
		b := runtime.NewBatch(nil)

		var value []byte
		if err := kv.Get(&value, b); err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		if !b.Execute() {
			fmt.Println("error: key not found")
			return
		}
		fmt.Printf("GET: key=%s value=%s\n", req.Key, string(value))

	case parser.DeleteRequest:
		kv := runtime.KV().New(req.Namespace, req.Key)
		b := runtime.NewBatch(nil)

		kv.Delete(b)
		if !b.Execute() {
			fmt.Println("error: delete failed")
			return
		}
		fmt.Printf("DELETE: key=%s\n", req.Key)

	case parser.CreateRequest:
		object := runtime.Object().New(req.Namespace, req.Name)
		b := runtime.NewBatch(nil)

		object.Create(b)
		if !b.Execute() {
			fmt.Println("error: create failed")
			return
		}
		fmt.Printf("CREATE: %s\n", object)

	case parser.RemoveRequest:
		object := runtime.Object().New(req.Namespace, req.Name)
		b := runtime.NewBatch(nil)

		object.Delete(b)
		if !b.Execute() {
			fmt.Println("error: remove failed")
			return
		}
		fmt.Printf("REMOVE: %s\n", object)

	case parser.WriteRequest:
		object := runtime.Object().New(req.Namespace, req.Name)
		b := runtime.NewBatch(nil)

		var bytesWritten uint64
		if err := object.Write([]byte(req.Data), req.Offset, &bytesWritten, b); err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		if !b.Execute() {
			fmt.Println("error: write failed")
			return
		}
		fmt.Printf("WRITE: %s bytes=%d\n", object, bytesWritten)

	case parser.ReadRequest:
		object := runtime.Object().New(req.Namespace, req.Name)
		b := runtime.NewBatch(nil)

		data := make([]byte, req.Length)
		var bytesRead uint64
		if err := object.Read(data, req.Offset, &bytesRead, b); err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		if !b.Execute() {
			fmt.Println("error: read failed")
			return
		}
		fmt.Printf("READ: %s bytes=%d data=%q\n", object, bytesRead, data[:bytesRead])

	case parser.StatusRequest:
		object := runtime.Object().New(req.Namespace, req.Name)
		b := runtime.NewBatch(nil)

		var modTime int64
		var size uint64
		if err := object.Status(&modTime, &size, b); err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		if !b.Execute() {
			fmt.Println("error: status failed")
			return
		}
		fmt.Printf("STATUS: %s size=%d mtime=%s\n", object, size, time.Unix(0, modTime).Format(time.RFC3339))
	}
}
