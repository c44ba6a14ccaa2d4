// Command huskarctl is a small operator tool for inspecting and poking a
// running huskar backend directly — config/switch/service lookups and
// manual service (de)registration — without writing a throwaway program
// against pkg/huskar. Grounded on cmd/ocx-cli's hand-rolled os.Args
// dispatch, adapted from an HTTP gateway client to an in-process
// pkg/huskar.Client since huskarctl talks to the same long-poll/tree-watch
// backend an embedding application would.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ocx/huskar/internal/config"
	"github.com/ocx/huskar/pkg/huskar"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "config":
		cmdConfig(os.Args[2:])
	case "switch":
		cmdSwitch(os.Args[2:])
	case "services":
		cmdServices(os.Args[2:])
	case "register":
		cmdRegister(os.Args[2:])
	case "deregister":
		cmdDeregister(os.Args[2:])
	case "cachedir":
		cmdCacheDir()
	case "version":
		fmt.Printf("huskarctl v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`huskarctl v` + version + `

Usage: huskarctl <command> [flags]

Commands:
  config --app APP --cluster CLUSTER --key KEY [--default DEF]
  switch --app APP --cluster CLUSTER --name NAME [--default PCT]
  services --app APP --cluster CLUSTER
  register --service SVC --cluster CLUSTER --ip IP --port PORT [--state up|down]
  deregister --service SVC --cluster CLUSTER --fingerprint FP
  cachedir
  version
  help

Environment (read by internal/config.Load):
  HUSKAR_BASE_URL, HUSKAR_TOKEN, HUSKAR_APP_ID, HUSKAR_CLUSTER, ...

Configuration comes from the environment only; no YAML config file is read.`)
}

func flagValue(args []string, name string) (string, bool) {
	for i, a := range args {
		if a == name && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}

func loadClient() *huskar.Client {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}
	client, err := huskar.NewClient(huskar.ClientConfig{Loaded: cfg})
	if err != nil {
		fmt.Fprintf(os.Stderr, "start huskar client: %v\n", err)
		os.Exit(1)
	}
	return client
}

func cmdConfig(args []string) {
	app, _ := flagValue(args, "--app")
	cluster, _ := flagValue(args, "--cluster")
	key, _ := flagValue(args, "--key")
	def, _ := flagValue(args, "--default")
	if app == "" || cluster == "" || key == "" {
		fmt.Fprintln(os.Stderr, "Usage: huskarctl config --app APP --cluster CLUSTER --key KEY [--default DEF]")
		os.Exit(1)
	}

	client := loadClient()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	value := client.Config(app).Get(ctx, cluster, key, def)
	fmt.Println(value)
}

func cmdSwitch(args []string) {
	app, _ := flagValue(args, "--app")
	cluster, _ := flagValue(args, "--cluster")
	name, _ := flagValue(args, "--name")
	defaultPctStr, hasDefault := flagValue(args, "--default")
	if app == "" || cluster == "" || name == "" {
		fmt.Fprintln(os.Stderr, "Usage: huskarctl switch --app APP --cluster CLUSTER --name NAME [--default PCT]")
		os.Exit(1)
	}

	defaultPct := 0.0
	if hasDefault {
		parsed, err := strconv.ParseFloat(defaultPctStr, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --default: %v\n", err)
			os.Exit(1)
		}
		defaultPct = parsed
	}

	client := loadClient()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	on := client.Switch(app).IsSwitchedOn(ctx, cluster, name, defaultPct)
	fmt.Println(on)
}

func cmdServices(args []string) {
	app, _ := flagValue(args, "--app")
	cluster, _ := flagValue(args, "--cluster")
	if app == "" || cluster == "" {
		fmt.Fprintln(os.Stderr, "Usage: huskarctl services --app APP --cluster CLUSTER")
		os.Exit(1)
	}

	client := loadClient()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	instances := client.Services(app).List(ctx, cluster)
	if len(instances) == 0 {
		fmt.Println("No instances registered.")
		return
	}

	fmt.Printf("%-30s %s\n", "FINGERPRINT", "PAYLOAD")
	fmt.Println("--------------------------------------------------")
	for _, inst := range instances {
		payload, _ := json.Marshal(inst.Payload)
		fmt.Printf("%-30s %s\n", inst.Fingerprint, payload)
	}
}

func cmdRegister(args []string) {
	service, _ := flagValue(args, "--service")
	cluster, _ := flagValue(args, "--cluster")
	ip, _ := flagValue(args, "--ip")
	portStr, _ := flagValue(args, "--port")
	stateStr, hasState := flagValue(args, "--state")
	if service == "" || cluster == "" || ip == "" || portStr == "" {
		fmt.Fprintln(os.Stderr, "Usage: huskarctl register --service SVC --cluster CLUSTER --ip IP --port PORT [--state up|down]")
		os.Exit(1)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --port: %v\n", err)
		os.Exit(1)
	}

	state := huskar.ServiceUp
	if hasState && stateStr == "down" {
		state = huskar.ServiceDown
	}

	client := loadClient()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fingerprint, err := client.Registry(service, cluster).Register(ctx, huskar.ServiceDescriptor{
		IP:    ip,
		Ports: map[string]int{"main": port},
		State: state,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "register failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("registered as %s\n", fingerprint)
}

func cmdDeregister(args []string) {
	service, _ := flagValue(args, "--service")
	cluster, _ := flagValue(args, "--cluster")
	fingerprint, _ := flagValue(args, "--fingerprint")
	if service == "" || cluster == "" || fingerprint == "" {
		fmt.Fprintln(os.Stderr, "Usage: huskarctl deregister --service SVC --cluster CLUSTER --fingerprint FP")
		os.Exit(1)
	}

	client := loadClient()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client.Registry(service, cluster).Deregister(ctx, fingerprint)
	fmt.Println("deregistered")
}

func cmdCacheDir() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(huskar.CacheDirPath(cfg))
}
