package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const usage = `usage: orchctl [-server URL] <command> [args]

commands:
  submit <file.json|file.yaml>   submit a workflow definition
  cross <file.json|file.yaml>    run a cross-project workflow
  status <workflow-id>           show workflow progress
  watch <workflow-id>            poll status until the workflow finishes
  list [project-id]              list workflows
  pause|resume|cancel <id>       control a workflow
  agents                         list registered agents
  perf                           show the performance overview`

func main() {
	server := flag.String("server", envOr("ORCHESTRATOR_URL", "http://localhost:8080"), "orchestrator server URL")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	c := &client{base: strings.TrimRight(*server, "/"), http: &http.Client{Timeout: 30 * time.Second}}

	var err error
	switch cmd, rest := args[0], args[1:]; cmd {
	case "submit":
		err = c.submit("/api/workflows", arg(rest))
	case "cross":
		c.http.Timeout = 0
		err = c.submit("/api/cross-project", arg(rest))
	case "status":
		err = c.show("/api/workflows/" + arg(rest))
	case "watch":
		err = c.watch(arg(rest))
	case "list":
		path := "/api/workflows"
		if len(rest) > 0 {
			path += "?project_id=" + rest[0]
		}
		err = c.show(path)
	case "pause", "resume", "cancel":
		err = c.do(http.MethodPost, "/api/workflows/"+arg(rest)+"/"+cmd, nil, os.Stdout)
	case "agents":
		err = c.agents()
	case "perf":
		err = c.show("/api/performance")
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

func arg(rest []string) string {
	if len(rest) == 0 || rest[0] == "" {
		flag.Usage()
		os.Exit(2)
	}
	return rest[0]
}

type client struct {
	base string
	http *http.Client
}

// do sends a request and pretty-prints the JSON reply to out.
func (c *client) do(method, path string, body []byte, out io.Writer) error {
	req, err := http.NewRequest(method, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") != nil {
		_, err = out.Write(data)
		return err
	}
	pretty.WriteByte('\n')
	_, err = pretty.WriteTo(out)
	return err
}

func (c *client) show(path string) error {
	return c.do(http.MethodGet, path, nil, os.Stdout)
}

// submit posts a definition file. YAML files are converted to JSON first.
func (c *client) submit(path, file string) error {
	data, err := readDefinition(file)
	if err != nil {
		return err
	}
	return c.do(http.MethodPost, path, data, os.Stdout)
}

func readDefinition(file string) ([]byte, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(file)) {
	case ".yaml", ".yml":
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}
		return json.Marshal(v)
	}
	return data, nil
}

func (c *client) watch(id string) error {
	last := ""
	for {
		var buf bytes.Buffer
		if err := c.do(http.MethodGet, "/api/workflows/"+id, nil, &buf); err != nil {
			return err
		}
		var rep struct {
			Status   string `json:"status"`
			Reason   string `json:"reason"`
			Progress struct {
				Total     int `json:"total"`
				Completed int `json:"completed"`
				Failed    int `json:"failed"`
				Running   int `json:"running"`
			} `json:"progress"`
		}
		if err := json.Unmarshal(buf.Bytes(), &rep); err != nil {
			return fmt.Errorf("parse status: %w", err)
		}
		line := fmt.Sprintf("%s  %d/%d done, %d running, %d failed",
			rep.Status, rep.Progress.Completed, rep.Progress.Total, rep.Progress.Running, rep.Progress.Failed)
		if line != last {
			fmt.Println(line)
			last = line
		}
		switch rep.Status {
		case "completed", "failed", "cancelled":
			if rep.Reason != "" {
				fmt.Println(rep.Reason)
			}
			return nil
		}
		time.Sleep(time.Second)
	}
}

func (c *client) agents() error {
	var buf bytes.Buffer
	if err := c.do(http.MethodGet, "/api/agents", nil, &buf); err != nil {
		return err
	}
	var agents []struct {
		ID           string   `json:"id"`
		Role         string   `json:"role"`
		Crew         string   `json:"crew"`
		Capabilities []string `json:"capabilities"`
		Load         int64    `json:"load"`
	}
	if err := json.Unmarshal(buf.Bytes(), &agents); err != nil {
		return fmt.Errorf("parse agents: %w", err)
	}
	if len(agents) == 0 {
		fmt.Println("No agents registered yet.")
		return nil
	}
	for _, a := range agents {
		fmt.Printf("  %-20s %-16s crew=%-12s load=%d  [%s]\n", a.ID, a.Role, a.Crew, a.Load, strings.Join(a.Capabilities, ", "))
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
