package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

func main() {
	server := flag.String("server", "http://localhost:8080", "convoy daemon URL")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	switch args[0] {
	case "submit":
		cmdSubmit(*server, args[1:])
	case "task":
		cmdTask(*server, args[1:])
	case "result":
		cmdResult(*server, args[1:])
	case "cancel":
		cmdCancel(*server, args[1:])
	case "tasks":
		cmdTasks(*server, args[1:])
	case "agents":
		cmdAgents(*server)
	case "workflow":
		cmdWorkflow(*server, args[1:])
	case "status":
		cmdStatus(*server)
	default:
		printError("unknown command %q", args[0])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `convoyctl: convoy task orchestration client

Commands:
  submit -kind K [-params JSON] [-priority N] [-agent NAME] [-deps id,id] [-conversation ID]
  task <id>                   show a task record
  result <id> [-wait]         show a task's result
  cancel <id>                 cancel a task
  tasks [-status S]           list tasks
  agents                      list registered agents
  workflow -file wf.json [-conversation ID] [-wait]
  status                      system status counters`)
}

func cmdSubmit(server string, args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	kind := fs.String("kind", "", "task kind (required)")
	params := fs.String("params", "", "task parameters as JSON object")
	priority := fs.Int("priority", 0, "scheduling priority")
	agent := fs.String("agent", "", "pin execution to a named agent")
	deps := fs.String("deps", "", "comma-separated dependency task ids")
	conversation := fs.String("conversation", "", "conversation context id")
	timeout := fs.Int("timeout", 0, "task timeout in seconds")
	fs.Parse(args)

	if *kind == "" {
		printError("submit: -kind is required")
		os.Exit(2)
	}

	body := map[string]interface{}{
		"kind":     *kind,
		"priority": *priority,
	}
	if *params != "" {
		var p map[string]interface{}
		if err := json.Unmarshal([]byte(*params), &p); err != nil {
			printError("submit: bad -params JSON: %v", err)
			os.Exit(2)
		}
		body["params"] = p
	}
	if *agent != "" {
		body["agent"] = *agent
	}
	if *deps != "" {
		body["depends_on"] = strings.Split(*deps, ",")
	}
	if *conversation != "" {
		body["conversation_id"] = *conversation
	}
	if *timeout > 0 {
		body["timeout_seconds"] = *timeout
	}

	var created struct {
		TaskID string `json:"task_id"`
	}
	if !postJSON(server+"/api/tasks", body, &created) {
		os.Exit(1)
	}
	fmt.Println(created.TaskID)
}

func cmdTask(server string, args []string) {
	if len(args) < 1 {
		printError("task: id required")
		os.Exit(2)
	}
	getPretty(server + "/api/tasks/" + args[0])
}

func cmdResult(server string, args []string) {
	fs := flag.NewFlagSet("result", flag.ExitOnError)
	wait := fs.Bool("wait", false, "poll until the task settles")
	if len(args) < 1 {
		printError("result: id required")
		os.Exit(2)
	}
	fs.Parse(args[1:])
	url := server + "/api/tasks/" + args[0] + "/result"

	for {
		resp, err := httpClient.Get(url)
		if err != nil {
			printError("request failed: %v", err)
			os.Exit(1)
		}
		if resp.StatusCode == http.StatusAccepted && *wait {
			resp.Body.Close()
			time.Sleep(500 * time.Millisecond)
			continue
		}
		printBody(resp)
		return
	}
}

func cmdCancel(server string, args []string) {
	if len(args) < 1 {
		printError("cancel: id required")
		os.Exit(2)
	}
	var out map[string]string
	if !postJSON(server+"/api/tasks/"+args[0]+"/cancel", nil, &out) {
		os.Exit(1)
	}
	fmt.Printf("%s: %s\n", out["task_id"], out["status"])
}

func cmdTasks(server string, args []string) {
	fs := flag.NewFlagSet("tasks", flag.ExitOnError)
	status := fs.String("status", "", "filter by status")
	fs.Parse(args)

	url := server + "/api/tasks"
	if *status != "" {
		url += "?status=" + *status
	}
	resp, err := httpClient.Get(url)
	if err != nil {
		printError("request failed: %v", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var tasks []struct {
		ID      string `json:"id"`
		Kind    string `json:"kind"`
		Status  string `json:"status"`
		Agent   string `json:"assigned_agent"`
		Attempt int    `json:"attempt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		printError("parse response: %v", err)
		os.Exit(1)
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return
	}
	for _, t := range tasks {
		agent := t.Agent
		if agent == "" {
			agent = "-"
		}
		fmt.Printf("%s  %-10s  attempt %d  %-12s %s\n", t.ID, t.Status, t.Attempt, t.Kind, agent)
	}
}

func cmdAgents(server string) {
	resp, err := httpClient.Get(server + "/api/agents")
	if err != nil {
		printError("request failed: %v", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var agents []struct {
		Registration struct {
			Name      string   `json:"name"`
			TaskKinds []string `json:"task_kinds"`
		} `json:"registration"`
		Health   string `json:"health"`
		InFlight int    `json:"in_flight"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&agents); err != nil {
		printError("parse response: %v", err)
		os.Exit(1)
	}
	if len(agents) == 0 {
		fmt.Println("no agents registered")
		return
	}
	for _, a := range agents {
		fmt.Printf("%-16s %-12s in_flight=%d kinds=%s\n",
			a.Registration.Name, a.Health, a.InFlight,
			strings.Join(a.Registration.TaskKinds, ","))
	}
}

func cmdWorkflow(server string, args []string) {
	fs := flag.NewFlagSet("workflow", flag.ExitOnError)
	file := fs.String("file", "", "workflow definition JSON file (required)")
	conversation := fs.String("conversation", "", "conversation context id")
	wait := fs.Bool("wait", false, "poll until the workflow settles")
	fs.Parse(args)

	if *file == "" {
		printError("workflow: -file is required")
		os.Exit(2)
	}
	data, err := os.ReadFile(*file)
	if err != nil {
		printError("workflow: %v", err)
		os.Exit(1)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(data, &body); err != nil {
		printError("workflow: bad JSON in %s: %v", *file, err)
		os.Exit(1)
	}
	if *conversation != "" {
		body["conversation_id"] = *conversation
	}

	var created struct {
		WorkflowID string `json:"workflow_id"`
	}
	if !postJSON(server+"/api/workflows", body, &created) {
		os.Exit(1)
	}
	fmt.Println(created.WorkflowID)

	if !*wait {
		return
	}
	for {
		resp, err := httpClient.Get(server + "/api/workflows/" + created.WorkflowID)
		if err != nil {
			printError("request failed: %v", err)
			os.Exit(1)
		}
		var state struct {
			Status string          `json:"status"`
			Result json.RawMessage `json:"result"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
			resp.Body.Close()
			printError("parse response: %v", err)
			os.Exit(1)
		}
		resp.Body.Close()
		if state.Status != "running" {
			pretty(state.Result)
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func cmdStatus(server string) {
	getPretty(server + "/api/status")
}

func postJSON(url string, body interface{}, out interface{}) bool {
	b, _ := json.Marshal(body)
	resp, err := httpClient.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		printError("request failed: %v", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		printError("server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
		return false
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		printError("parse response: %v", err)
		return false
	}
	return true
}

func getPretty(url string) {
	resp, err := httpClient.Get(url)
	if err != nil {
		printError("request failed: %v", err)
		os.Exit(1)
	}
	printBody(resp)
}

func printBody(resp *http.Response) {
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		printError("server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
		os.Exit(1)
	}
	pretty(data)
}

func pretty(data []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		os.Stdout.Write(data)
		fmt.Println()
		return
	}
	fmt.Println(buf.String())
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
