// The CLI talks to a running daemon through the local API.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"qharbor/sync-agent/config"
	"qharbor/sync-agent/db"
)

func main() {
	addr := flag.String("addr", "", "daemon address (default from config)")
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	if *addr == "" {
		cfg, err := config.Load()
		if err != nil {
			fatal(err)
		}
		*addr = cfg.ListenAddr
	}
	base := "http://" + *addr

	args := flag.Args()
	var err error
	switch args[0] {
	case "status":
		err = showStatus(base)
	case "enable":
		err = post(base+"/api/enable", nil)
	case "disable":
		err = post(base+"/api/disable", nil)
	case "sources":
		err = listSources(base)
	case "add-source":
		err = addSource(base, args[1:])
	case "pause":
		err = sourceAction(base, args[1:], "pause")
	case "resume":
		err = sourceAction(base, args[1:], "resume")
	case "errors":
		err = showErrors(base, args[1:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: sync-cli [-addr host:port] <command>

commands:
  status                                  show agent status
  enable | disable                        flip the sync switch
  sources                                 list sources
  add-source <name> <type> <config-json> [default-scope]
  pause <source-id> | resume <source-id>
  errors <source-id>                      show recent source errors`)
}

func showStatus(base string) error {
	var status struct {
		State     string      `json:"state"`
		Syncing   bool        `json:"syncing"`
		Iteration int64       `json:"iteration"`
		Sources   []db.Source `json:"sources"`
	}
	if err := get(base+"/api/status", &status); err != nil {
		return err
	}

	fmt.Printf("state: %s  syncing: %v  iteration: %d\n\n", status.State, status.Syncing, status.Iteration)
	printSources(status.Sources)
	return nil
}

func listSources(base string) error {
	var sources []db.Source
	if err := get(base+"/api/sources", &sources); err != nil {
		return err
	}
	printSources(sources)
	return nil
}

func printSources(sources []db.Source) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tTOTAL\tSYNCED\tFAILED")
	for _, s := range sources {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%d\n",
			s.ID, s.Name, s.Type, s.Status, s.ItemsTotal, s.ItemsSynchronized, s.ItemsFailed)
	}
	w.Flush()
}

func addSource(base string, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("add-source needs <name> <type> <config-json> [default-scope]")
	}
	body := map[string]interface{}{
		"name":   args[0],
		"type":   args[1],
		"config": json.RawMessage(args[2]),
	}
	if len(args) > 3 {
		body["default_scope"] = args[3]
	}
	return post(base+"/api/sources", body)
}

func sourceAction(base string, args []string, action string) error {
	if len(args) < 1 {
		return fmt.Errorf("%s needs <source-id>", action)
	}
	return post(base+"/api/sources/"+args[0]+"/"+action, nil)
}

func showErrors(base string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("errors needs <source-id>")
	}
	var errs []db.SourceError
	if err := get(base+"/api/sources/"+args[0]+"/errors", &errs); err != nil {
		return err
	}
	for _, e := range errs {
		fmt.Printf("%s  iteration %d: %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Iteration, e.Message)
	}
	return nil
}

func get(url string, result interface{}) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return httpError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

func post(url string, body interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	resp, err := http.Post(url, "application/json", reader)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return httpError(resp)
	}
	return nil
}

func httpError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
		return fmt.Errorf("%s", apiErr.Error)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data))
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
