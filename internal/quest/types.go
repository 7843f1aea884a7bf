package quest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// FHIRの日時として受け付けるレイアウト（精度の高い順）。
var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
	"2006-01",
	"2006",
}

// ParseDateTime はFHIRのdateTime/instantを解釈する。タイムゾーンが無い場合はUTCとみなす。
func ParseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid FHIR dateTime %q", s)
}

// Meta はリソースのメタ情報。
type Meta struct {
	LastUpdated string `json:"lastUpdated"`
}

// HumanName は氏名。
type HumanName struct {
	Use    string   `json:"use"`
	Family string   `json:"family"`
	Given  []string `json:"given"`
	Text   string   `json:"text"`
}

// Patient はFHIR Patientリソースのうち利用する項目。
type Patient struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id"`
	Meta         *Meta       `json:"meta"`
	Name         []HumanName `json:"name"`
	Gender       string      `json:"gender"`
	BirthDate    string      `json:"birthDate"`
	Telecom      []struct {
		System string `json:"system"`
		Value  string `json:"value"`
	} `json:"telecom"`
}

// Email はtelecomからメールアドレスを返す。
func (p *Patient) Email() string {
	for _, t := range p.Telecom {
		if t.System == "email" && t.Value != "" {
			return t.Value
		}
	}
	return ""
}

// PrimaryName はofficialを優先して氏名を1件返す。
func (p *Patient) PrimaryName() (given, family string) {
	if len(p.Name) == 0 {
		return "", ""
	}
	n := p.Name[0]
	for _, cand := range p.Name {
		if cand.Use == "official" {
			n = cand
			break
		}
	}
	return strings.Join(n.Given, " "), n.Family
}

// Coding はコード体系の値。
type Coding struct {
	System  string `json:"system"`
	Code    string `json:"code"`
	Display string `json:"display"`
}

// CodeableConcept はコードとテキスト。
type CodeableConcept struct {
	Coding []Coding `json:"coding"`
	Text   string   `json:"text"`
}

// Reference は他リソースへの参照。
type Reference struct {
	Reference string `json:"reference"`
}

// Quantity は数値と単位。
type Quantity struct {
	Value *float64 `json:"value"`
	Unit  string   `json:"unit"`
}

// ReferenceRange は基準範囲。
type ReferenceRange struct {
	Low  *Quantity `json:"low"`
	High *Quantity `json:"high"`
	Text string    `json:"text"`
}

// Interpretations は判定コード。FHIR R4では配列だが単一オブジェクトで届くこともある。
type Interpretations []CodeableConcept

// UnmarshalJSON は配列と単一オブジェクトの両方を受け付ける。
func (in *Interpretations) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	switch {
	case trimmed == "null":
		*in = nil
		return nil
	case strings.HasPrefix(trimmed, "["):
		var list []CodeableConcept
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		*in = list
		return nil
	default:
		var one CodeableConcept
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*in = Interpretations{one}
		return nil
	}
}

// Observation はFHIR Observationリソースのうち利用する項目。
type Observation struct {
	ResourceType         string           `json:"resourceType"`
	ID                   string           `json:"id"`
	Meta                 *Meta            `json:"meta"`
	Status               string           `json:"status"`
	Code                 CodeableConcept  `json:"code"`
	Subject              *Reference       `json:"subject"`
	EffectiveDateTime    string           `json:"effectiveDateTime"`
	Issued               string           `json:"issued"`
	ValueQuantity        *Quantity        `json:"valueQuantity"`
	ValueString          *string          `json:"valueString"`
	ValueCodeableConcept *CodeableConcept `json:"valueCodeableConcept"`
	ReferenceRange       []ReferenceRange `json:"referenceRange"`
	Interpretation       Interpretations  `json:"interpretation"`
}

// PatientID はsubject.referenceの "Patient/<id>" からIDを取り出す。
func (o *Observation) PatientID() string {
	if o.Subject == nil {
		return ""
	}
	id, ok := strings.CutPrefix(o.Subject.Reference, "Patient/")
	if !ok {
		return ""
	}
	return id
}

// EffectiveTime は採取日時（無い場合は発行日時）を返す。
func (o *Observation) EffectiveTime() (time.Time, bool) {
	for _, s := range []string{o.EffectiveDateTime, o.Issued} {
		if s == "" {
			continue
		}
		if t, err := ParseDateTime(s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// LOINC はLOINCのコードを優先し、無ければ先頭のコードを返す。
func (o *Observation) LOINC() string {
	for _, c := range o.Code.Coding {
		if strings.Contains(c.System, "loinc.org") && c.Code != "" {
			return c.Code
		}
	}
	if len(o.Code.Coding) > 0 {
		return o.Code.Coding[0].Code
	}
	return ""
}

// TestName は検査名を返す。
func (o *Observation) TestName() string {
	for _, c := range o.Code.Coding {
		if c.Display != "" {
			return c.Display
		}
	}
	return o.Code.Text
}

// AbnormalFlag は先頭の判定コードを返す。
func (o *Observation) AbnormalFlag() string {
	for _, in := range o.Interpretation {
		for _, c := range in.Coding {
			if c.Code != "" {
				return c.Code
			}
		}
		if in.Text != "" {
			return in.Text
		}
	}
	return ""
}
