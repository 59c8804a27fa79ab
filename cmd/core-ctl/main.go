// Command core-ctl is the admin CLI: isMaster, replSetStepDown,
// replSetFreeze, replSetMaintenance, replSetGetStatus, replSetReconfig,
// and the chunk-migration entry points, issued against a running
// core-node process.
//
// The actual wire protocol a core-node process speaks is out of scope;
// AdminClient is the seam, and httpAdminClient is a minimal JSON-over-HTTP
// client against it, not a production transport.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kingpin"
	"github.com/pkg/errors"

	"github.com/tessera-db/core/internal/corefail"
)

// AdminClient is every admin operation core-ctl can issue.
type AdminClient interface {
	IsMaster(ctx context.Context) (map[string]interface{}, error)
	StepDown(ctx context.Context, secs int) error
	Freeze(ctx context.Context, secs int) error
	Maintenance(ctx context.Context, enter bool) error
	GetStatus(ctx context.Context) (map[string]interface{}, error)
	Reconfig(ctx context.Context, configJSON []byte) error
	MoveChunk(ctx context.Context, ns, fromShard, toShard string) error
}

type httpAdminClient struct {
	base string
	hc   *http.Client
}

func newHTTPAdminClient(base string) *httpAdminClient {
	return &httpAdminClient{base: base, hc: &http.Client{Timeout: 30 * time.Second}}
}

func (c *httpAdminClient) call(ctx context.Context, cmd string, body interface{}, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return errors.Wrap(err, "encode request")
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/admin/"+cmd, &buf)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return errors.Wrapf(err, "call %s", cmd)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("%s: server returned %s", cmd, resp.Status)
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode response")
}

func (c *httpAdminClient) IsMaster(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.call(ctx, "isMaster", nil, &out)
	return out, err
}

func (c *httpAdminClient) StepDown(ctx context.Context, secs int) error {
	return c.call(ctx, "replSetStepDown", map[string]int{"secs": secs}, nil)
}

func (c *httpAdminClient) Freeze(ctx context.Context, secs int) error {
	return c.call(ctx, "replSetFreeze", map[string]int{"secs": secs}, nil)
}

func (c *httpAdminClient) Maintenance(ctx context.Context, enter bool) error {
	return c.call(ctx, "replSetMaintenance", map[string]bool{"enter": enter}, nil)
}

func (c *httpAdminClient) GetStatus(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.call(ctx, "replSetGetStatus", nil, &out)
	return out, err
}

func (c *httpAdminClient) Reconfig(ctx context.Context, configJSON []byte) error {
	var raw json.RawMessage = configJSON
	return c.call(ctx, "replSetReconfig", raw, nil)
}

func (c *httpAdminClient) MoveChunk(ctx context.Context, ns, fromShard, toShard string) error {
	return c.call(ctx, "moveChunk", map[string]string{"ns": ns, "fromShard": fromShard, "toShard": toShard}, nil)
}

var (
	app     = kingpin.New("core-ctl", "Admin CLI for a running core-node process.")
	address = app.Flag("address", "Base URL of the target core-node's admin endpoint.").Default("http://127.0.0.1:27019").String()

	isMasterCmd = app.Command("isMaster", "Report this node's role and election state.")

	stepDownCmd     = app.Command("stepDown", "Step down as primary.")
	stepDownSecs    = stepDownCmd.Arg("secs", "Seconds to refuse re-election afterward.").Default("60").Int()

	freezeCmd  = app.Command("freeze", "Prevent this node from seeking election.")
	freezeSecs = freezeCmd.Arg("secs", "Seconds to stay frozen.").Required().Int()

	maintenanceCmd   = app.Command("maintenance", "Enter or leave maintenance mode.")
	maintenanceEnter = maintenanceCmd.Arg("state", "on|off").Required().Enum("on", "off")

	statusCmd = app.Command("status", "Print replica-set status.")

	reconfigCmd  = app.Command("reconfig", "Apply a new config from a JSON file.")
	reconfigPath = reconfigCmd.Arg("file", "Path to the candidate config as JSON.").Required().String()

	moveChunkCmd  = app.Command("moveChunk", "Migrate one chunk to another shard.")
	moveChunkNS   = moveChunkCmd.Arg("ns", "db.collection namespace.").Required().String()
	moveChunkFrom = moveChunkCmd.Arg("fromShard", "Donor shard name.").Required().String()
	moveChunkTo   = moveChunkCmd.Arg("toShard", "Recipient shard name.").Required().String()
)

func main() {
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))
	client := newHTTPAdminClient(*address)
	ctx := context.Background()

	var err error
	switch cmd {
	case isMasterCmd.FullCommand():
		var out map[string]interface{}
		if out, err = client.IsMaster(ctx); err == nil {
			printJSON(out)
		}
	case stepDownCmd.FullCommand():
		err = client.StepDown(ctx, *stepDownSecs)
	case freezeCmd.FullCommand():
		err = client.Freeze(ctx, *freezeSecs)
	case maintenanceCmd.FullCommand():
		err = client.Maintenance(ctx, *maintenanceEnter == "on")
	case statusCmd.FullCommand():
		var out map[string]interface{}
		if out, err = client.GetStatus(ctx); err == nil {
			printJSON(out)
		}
	case reconfigCmd.FullCommand():
		var b []byte
		if b, err = os.ReadFile(*reconfigPath); err == nil {
			err = client.Reconfig(ctx, b)
		}
	case moveChunkCmd.FullCommand():
		err = client.MoveChunk(ctx, *moveChunkNS, *moveChunkFrom, *moveChunkTo)
	}

	if err != nil {
		code := 1
		if c, ok := corefail.ExitCode(err); ok {
			code = c
		}
		fmt.Fprintf(os.Stderr, "core-ctl: %v\n", err)
		os.Exit(code)
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
