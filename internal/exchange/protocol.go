package exchange

import (
	"bytes"
	"fmt"
	"strconv"

	json "github.com/goccy/go-json"
)

// Transaction names carried in the trnm field.
const (
	TrnmLogin  = "LOGIN"
	TrnmPing   = "PING"
	TrnmReal   = "REAL"
	TrnmReg    = "REG"
	TrnmRemove = "REMOVE"
)

// TypeTrade is the real-time type tag for trade executions.
const TypeTrade = "0B"

// returnCode accepts both 0 and "0" since the venue is not consistent about it.
type returnCode int

func (r *returnCode) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*r = 0
		return nil
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return fmt.Errorf("return_code %q: %w", b, err)
	}
	*r = returnCode(n)
	return nil
}

// groupNo accepts a group number sent either as a string or a bare number.
type groupNo string

func (g *groupNo) UnmarshalJSON(b []byte) error {
	*g = groupNo(bytes.Trim(b, `"`))
	if *g == "null" {
		*g = ""
	}
	return nil
}

// inboundFrame is the envelope every venue frame shares.
type inboundFrame struct {
	Trnm       string          `json:"trnm"`
	ReturnCode returnCode      `json:"return_code"`
	ReturnMsg  string          `json:"return_msg"`
	GroupNo    groupNo         `json:"grp_no"`
	Data       json.RawMessage `json:"data"`
}

// realItem is one entry of a REAL frame's data array.
type realItem struct {
	Type   string      `json:"type" validate:"required"`
	Name   string      `json:"name"`
	Item   string      `json:"item" validate:"required"`
	Values tradeValues `json:"values"`
}

// tradeValues maps the numeric field codes of a 0B item.
type tradeValues struct {
	CurrentPrice     string `json:"10" validate:"required"`
	PriceChange      string `json:"11"`
	ChangeRate       string `json:"12"`
	CumulativeVolume string `json:"13"`
	CumulativeAmount string `json:"14"`
	TradingVolume    string `json:"15"`
	OpenPrice        string `json:"16"`
	HighPrice        string `json:"17"`
	LowPrice         string `json:"18"`
	TradeTime        string `json:"20" validate:"omitempty,len=6,numeric"`
	AskPrice         string `json:"27"`
	BidPrice         string `json:"28"`
}

type loginFrame struct {
	Trnm  string `json:"trnm"`
	Token string `json:"token"`
}

// controlFrame is the REG/REMOVE request shape:
//
//	{"trnm":"REG","grp_no":"1","refresh":"1","data":[{"item":["005930"],"type":["0B"]}]}
type controlFrame struct {
	Trnm    string        `json:"trnm"`
	GroupNo string        `json:"grp_no"`
	Refresh string        `json:"refresh,omitempty"`
	Data    []controlItem `json:"data"`
}

type controlItem struct {
	Item []string `json:"item"`
	Type []string `json:"type"`
}

// Ack is a venue acknowledgment for LOGIN, REG or REMOVE.
type Ack struct {
	Trnm       string
	GroupNo    string
	ReturnCode int
	ReturnMsg  string
}

// OK reports a zero return code.
func (a Ack) OK() bool {
	return a.ReturnCode == 0
}

// BuildREG encodes a registration of codes for trade executions under group.
// refresh "1" keeps the group's existing registrations.
func BuildREG(group string, codes []string) ([]byte, error) {
	return buildControl(TrnmReg, group, "1", codes)
}

// BuildREMOVE encodes the retirement of group.
func BuildREMOVE(group string, codes []string) ([]byte, error) {
	return buildControl(TrnmRemove, group, "", codes)
}

func buildControl(trnm, group, refresh string, codes []string) ([]byte, error) {
	if group == "" {
		return nil, fmt.Errorf("%s: group number is required", trnm)
	}
	if len(codes) == 0 {
		return nil, fmt.Errorf("%s: at least one code is required", trnm)
	}
	return json.Marshal(controlFrame{
		Trnm:    trnm,
		GroupNo: group,
		Refresh: refresh,
		Data: []controlItem{{
			Item: codes,
			Type: []string{TypeTrade},
		}},
	})
}
