package tcc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"strings"

	"github.com/pingcap/errors"
)

// InvokeRequest is the body posted to a participant.
type InvokeRequest struct {
	TxID   uint64 `json:"txid"`
	Action string `json:"action"`
	Params []byte `json:"params,omitempty"`
}

// HTTPInvoker posts the action to <Service>/<Method> of the procedure.
// Any 2xx status means the participant accepted it.
type HTTPInvoker struct {
	client *http.Client
}

var _ Invoker = &HTTPInvoker{}

func NewHTTPInvoker(client *http.Client) *HTTPInvoker {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPInvoker{client: client}
}

func (i *HTTPInvoker) Invoke(ctx context.Context, txID uint64, proc *Procedure, action Action) error {
	body, err := json.Marshal(&InvokeRequest{TxID: txID, Action: action.String(), Params: proc.Params})
	if err != nil {
		return errors.Trace(err)
	}

	url := strings.TrimRight(proc.Service, "/") + "/" + proc.Method
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Trace(err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return errors.Annotatef(err, "post %s", url)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(ioutil.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.Annotatef(ErrProcedureNotFound, "post %s", url)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return errors.Errorf("post %s: status %d", url, resp.StatusCode)
	}
	return nil
}
