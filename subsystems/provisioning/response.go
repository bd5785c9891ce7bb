package provisioning

import (
	"encoding/json"

	"github.com/medicam/agent/utils"
)

// Response is what every command (and every async completion) produces.
// Pointer fields distinguish "absent" from a zero value that must still be sent.
type Response struct {
	Status      string         `json:"status"`
	Networks    *[]WifiNetwork `json:"networks,omitempty"`
	IP          *string        `json:"ip,omitempty"`
	Provisioned *bool          `json:"provisioned,omitempty"`
	Info        *ProvisionInfo `json:"info,omitempty"`
	Error       string         `json:"error,omitempty"`
	Detail      string         `json:"detail,omitempty"`
}

func okResponse() Response {
	return Response{Status: StatusOK}
}

func busyResponse() Response {
	return Response{Status: StatusBusy}
}

func errorResponse(code string) Response {
	return Response{Status: StatusError, Error: code}
}

func failedResponse(code, detail string) Response {
	return Response{Status: StatusFailed, Error: code, Detail: detail}
}

func networksResponse(networks []WifiNetwork) Response {
	if networks == nil {
		networks = []WifiNetwork{}
	}
	return Response{Status: StatusOK, Networks: &networks}
}

func connectedResponse(ip string) Response {
	return Response{Status: StatusConnected, IP: &ip}
}

func statusResponse(rec ProvisionRecord) Response {
	provisioned := rec.Provisioned
	info := rec.Info
	return Response{Status: StatusOK, Provisioned: &provisioned, Info: &info}
}

// Interim reports whether another response for the same command will follow.
func (r Response) Interim() bool {
	return r.Status == StatusStartedScan || r.Status == StatusConnecting
}

// Encode serializes the response, shrinking it to fit within limit bytes (0 for no limit).
// Detail text is cut first, then trailing networks are dropped.
func (r Response) Encode(limit int) ([]byte, error) {
	out, err := json.Marshal(r)
	if err != nil || limit <= 0 || len(out) <= limit {
		return out, err
	}

	if r.Detail != "" {
		over := len(out) - limit
		keep := len(r.Detail) - over
		if keep < 0 {
			keep = 0
		}
		// escaping can make the encoded form longer than the raw text, so loop until it fits
		for {
			r.Detail = utils.TruncateUTF8(r.Detail, keep)
			out, err = json.Marshal(r)
			if err != nil || len(out) <= limit || r.Detail == "" {
				break
			}
			keep = len(r.Detail) - (len(out) - limit)
			if keep >= len(r.Detail) {
				keep = len(r.Detail) - 1
			}
			if keep < 0 {
				keep = 0
			}
		}
		if err != nil || len(out) <= limit {
			return out, err
		}
	}

	if r.Networks != nil {
		networks := *r.Networks
		for len(networks) > 0 && len(out) > limit {
			networks = networks[:len(networks)-1]
			r.Networks = &networks
			out, err = json.Marshal(r)
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}
