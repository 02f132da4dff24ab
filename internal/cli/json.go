package cli

import (
	"sort"

	"github.com/lu-zhengda/mailbroker/internal/api"
	"github.com/lu-zhengda/mailbroker/internal/app"
	"github.com/lu-zhengda/mailbroker/internal/domain"
)

func toJSONAccounts(accounts []domain.Account) []api.Account { return api.ToAccounts(accounts) }

func toJSONMessages(msgs []domain.Message) []api.Message { return api.ToMessages(msgs) }

func toJSONMessage(m *domain.Message) api.Message { return api.ToMessage(m) }

type jsonSyncResult struct {
	AccountID int64    `json:"account_id"`
	Fetched   int      `json:"fetched"`
	Failed    []string `json:"failed,omitempty"`
}

func toJSONSyncResult(r *app.SyncResult) jsonSyncResult {
	out := jsonSyncResult{AccountID: r.AccountID, Fetched: len(r.Messages)}
	for id := range r.Failed {
		out.Failed = append(out.Failed, id)
	}
	sort.Strings(out.Failed)
	return out
}

type jsonAccountSync struct {
	Email   string          `json:"email"`
	Skipped bool            `json:"skipped,omitempty"`
	Error   string          `json:"error,omitempty"`
	Result  *jsonSyncResult `json:"result,omitempty"`
}

type jsonBatchReport struct {
	Accounts  []jsonAccountSync `json:"accounts"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Skipped   int               `json:"skipped"`
}

func toJSONBatchReport(r *app.BatchReport) jsonBatchReport {
	out := jsonBatchReport{
		Accounts:  make([]jsonAccountSync, 0, len(r.Results)),
		Succeeded: r.Succeeded,
		Failed:    r.Failed,
		Skipped:   r.Skipped,
	}
	for _, res := range r.Results {
		entry := jsonAccountSync{Email: res.Account.Email, Skipped: res.Skipped}
		if res.Err != nil {
			entry.Error = res.Err.Error()
		}
		if res.Result != nil {
			sr := toJSONSyncResult(res.Result)
			entry.Result = &sr
		}
		out.Accounts = append(out.Accounts, entry)
	}
	return out
}

type jsonLogin struct {
	Email     string `json:"email"`
	OK        bool   `json:"ok"`
	Skipped   bool   `json:"skipped,omitempty"`
	AccountID int64  `json:"account_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type jsonLoginReport struct {
	Accounts  []jsonLogin `json:"accounts"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Skipped   int         `json:"skipped"`
}

func toJSONLoginReport(r *app.LoginReport) jsonLoginReport {
	out := jsonLoginReport{
		Accounts:  make([]jsonLogin, 0, len(r.Results)),
		Succeeded: r.Succeeded,
		Failed:    r.Failed,
		Skipped:   r.Skipped,
	}
	for _, res := range r.Results {
		entry := jsonLogin{Email: res.Email, OK: res.Err == nil && !res.Skipped, Skipped: res.Skipped}
		if res.Err != nil {
			entry.Error = res.Err.Error()
		}
		if res.Account != nil {
			entry.Email = res.Account.Email
			entry.AccountID = res.Account.ID
		}
		out.Accounts = append(out.Accounts, entry)
	}
	return out
}

type jsonImportReport struct {
	Added     int    `json:"added"`
	Updated   int    `json:"updated"`
	Skipped   int    `json:"skipped"`
	Activated string `json:"activated,omitempty"`
}

func toJSONImportReport(r *app.ImportReport, skipped int) jsonImportReport {
	out := jsonImportReport{Added: r.Added, Updated: r.Updated, Skipped: skipped}
	if r.Activated != nil {
		out.Activated = r.Activated.Email
	}
	return out
}

type jsonStats struct {
	Total  int `json:"total"`
	Unread int `json:"unread"`
}

// jsonAction is the result of a mutating command.
type jsonAction struct {
	OK        bool   `json:"ok"`
	Action    string `json:"action"`
	MessageID string `json:"message_id,omitempty"`
	Email     string `json:"email,omitempty"`
	AccountID int64  `json:"account_id,omitempty"`
}
