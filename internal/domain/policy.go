package domain

type AdmissionInput struct {
	Identifier string   `json:"identifier"`
	SN         uint64   `json:"sn"`
	Ilk        string   `json:"ilk"`
	Digest     string   `json:"digest"`
	Keys       []string `json:"keys"`
	Backers    []string `json:"backers"`
}

type AdmissionDeny struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type AdmissionResult struct {
	Allow bool            `json:"allow"`
	Deny  []AdmissionDeny `json:"deny,omitempty"`
}

type AdmissionEvaluation struct {
	BundleID   string          `json:"bundle_id,omitempty"`
	BundleHash string          `json:"bundle_hash"`
	Result     AdmissionResult `json:"result"`
}
