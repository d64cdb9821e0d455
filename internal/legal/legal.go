// Package legal renders deletion-request letters from a decrypted PII
// profile. Two templates are supported: ccpa_deletion and gdpr_erasure.
package legal

import (
	"fmt"
	"strings"
	"text/template"
	"time"
)

// Letter is a rendered legal request.
type Letter struct {
	TemplateID       string `json:"template_id"`
	Subject          string `json:"subject"`
	Body             string `json:"body"`
	RecipientName    string `json:"recipient_name"`
	RecipientAddress string `json:"recipient_address"`
}

type letterData struct {
	FullName      string
	AddressLine   string
	CityStateZip  string
	Date          string
	BrokerName    string
	BrokerAddress string
	AliasesLine   string
	DOBLine       string
	Email         string
	PhoneLine     string
	AddressBlock  string
}

var ccpaTemplate = template.Must(template.New("ccpa_deletion").Parse(`{{.FullName}}
{{.AddressLine}}
{{.CityStateZip}}

{{.Date}}

{{.BrokerName}}
{{.BrokerAddress}}

Re: Request to Delete Personal Information Under the California Consumer Privacy Act (CCPA)

Dear {{.BrokerName}} Privacy Team,

I am writing to exercise my rights under the California Consumer Privacy Act (Cal. Civ. Code § 1798.100 et seq.) to request the deletion of any and all personal information your organization has collected, stored, or sold about me.

My identifying information:
- Full Name: {{.FullName}}
{{.AliasesLine}}{{.DOBLine}}- Email: {{.Email}}
{{.PhoneLine}}{{.AddressBlock}}
I request that you:
1. Delete all personal information you have collected about me.
2. Direct any service providers with whom you have shared my personal information to delete my data as well.
3. Confirm the completion of this deletion within 45 days, as required by the CCPA.

If you are unable to verify my identity, please contact me at the email address provided above, and I will provide additional verification as needed.

Please note that under the CCPA, you may not discriminate against me for exercising my privacy rights.

Sincerely,

{{.FullName}}
{{.Email}}
`))

var gdprTemplate = template.Must(template.New("gdpr_erasure").Parse(`{{.FullName}}
{{.AddressLine}}
{{.CityStateZip}}

{{.Date}}

{{.BrokerName}}
{{.BrokerAddress}}

Re: Request for Erasure of Personal Data Under Article 17 of the General Data Protection Regulation (GDPR)

Dear Data Protection Officer,

I am writing to request the erasure of my personal data that your organisation holds, pursuant to Article 17 of the General Data Protection Regulation (EU) 2016/679.

My identifying information:
- Full Name: {{.FullName}}
{{.AliasesLine}}{{.DOBLine}}- Email: {{.Email}}
{{.PhoneLine}}{{.AddressBlock}}
I request that you erase all personal data relating to me without undue delay. Under Article 17(1), you are required to do so where one of the following grounds applies:

(a) the personal data are no longer necessary in relation to the purposes for which they were collected or otherwise processed;
(b) I withdraw my consent on which the processing is based;
(d) the personal data have been unlawfully processed;
(f) the personal data have to be erased for compliance with a legal obligation.

If you have made my personal data public, I also request that you take reasonable steps, including technical measures, to inform other controllers processing the data that I have requested the erasure of any links to, or copies or replications of, that data (Article 17(2)).

Please respond to this request within one month, as required by Article 12(3). If you do not comply, I reserve the right to lodge a complaint with the relevant supervisory authority.

Yours faithfully,

{{.FullName}}
{{.Email}}
`))

var templates = map[string]*template.Template{
	"ccpa_deletion": ccpaTemplate,
	"gdpr_erasure":  gdprTemplate,
}

// TemplateIDs lists the available template identifiers.
func TemplateIDs() []string {
	return []string{"ccpa_deletion", "gdpr_erasure"}
}

// Render fills a template with profile data. The profile is the decrypted
// document: full_name, aliases, addresses, date_of_birth, email_addresses,
// phone_numbers.
func Render(templateID string, profile map[string]any, brokerName, brokerAddress string) (*Letter, error) {
	tpl, ok := templates[templateID]
	if !ok {
		return nil, fmt.Errorf("unknown template %q (available: %s)", templateID, strings.Join(TemplateIDs(), ", "))
	}

	fullName := str(profile["full_name"])
	addresses := mapSlice(profile["addresses"])

	primary := map[string]any{}
	for _, a := range addresses {
		if current, _ := a["current"].(bool); current {
			primary = a
			break
		}
	}
	if len(primary) == 0 && len(addresses) > 0 {
		primary = addresses[0]
	}

	var cityParts []string
	if c := str(primary["city"]); c != "" {
		cityParts = append(cityParts, c)
	}
	if s := str(primary["state"]); s != "" {
		cityParts = append(cityParts, s)
	}
	cityStateZip := strings.Join(cityParts, ", ")
	if cityStateZip != "" {
		if z := str(primary["zip"]); z != "" {
			cityStateZip += " " + z
		}
	}

	aliasesLine := ""
	if aliases := strSlice(profile["aliases"]); len(aliases) > 0 {
		aliasesLine = "- Also known as: " + strings.Join(aliases, ", ") + "\n"
	}
	dobLine := ""
	if dob := str(profile["date_of_birth"]); dob != "" {
		dobLine = "- Date of Birth: " + dob + "\n"
	}

	email := ""
	if emails := strSlice(profile["email_addresses"]); len(emails) > 0 {
		email = emails[0]
	}

	var phones []string
	for _, p := range anySlice(profile["phone_numbers"]) {
		if m, ok := p.(map[string]any); ok {
			phones = append(phones, str(m["number"]))
		} else if s, ok := p.(string); ok {
			phones = append(phones, s)
		}
	}
	phoneLine := ""
	if len(phones) > 0 {
		phoneLine = "- Phone: " + strings.Join(phones, ", ") + "\n"
	}

	if brokerAddress == "" {
		brokerAddress = "[Address Not Available]"
	}

	data := letterData{
		FullName:      fullName,
		AddressLine:   str(primary["street"]),
		CityStateZip:  cityStateZip,
		Date:          time.Now().Format("2006-01-02"),
		BrokerName:    brokerName,
		BrokerAddress: brokerAddress,
		AliasesLine:   aliasesLine,
		DOBLine:       dobLine,
		Email:         email,
		PhoneLine:     phoneLine,
		AddressBlock:  formatAddressBlock(addresses),
	}

	var body strings.Builder
	if err := tpl.Execute(&body, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", templateID, err)
	}

	subjects := map[string]string{
		"ccpa_deletion": "CCPA Deletion Request — " + fullName,
		"gdpr_erasure":  "GDPR Erasure Request — " + fullName,
	}
	return &Letter{
		TemplateID:       templateID,
		Subject:          subjects[templateID],
		Body:             body.String(),
		RecipientName:    brokerName,
		RecipientAddress: brokerAddress,
	}, nil
}

func formatAddressBlock(addresses []map[string]any) string {
	var lines []string
	for _, addr := range addresses {
		var parts []string
		if s := str(addr["street"]); s != "" {
			parts = append(parts, s)
		}
		var cityState []string
		if c := str(addr["city"]); c != "" {
			cityState = append(cityState, c)
		}
		if s := str(addr["state"]); s != "" {
			cityState = append(cityState, s)
		}
		if len(cityState) > 0 {
			cs := strings.Join(cityState, ", ")
			if z := str(addr["zip"]); z != "" {
				cs += " " + z
			}
			parts = append(parts, cs)
		}
		if len(parts) > 0 {
			lines = append(lines, strings.Join(parts, "; "))
		}
	}
	if len(lines) == 0 {
		return ""
	}
	out := "- Address(es):\n"
	for _, line := range lines {
		out += "  - " + line + "\n"
	}
	return out
}

func str(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func strSlice(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func anySlice(v any) []any {
	if l, ok := v.([]any); ok {
		return l
	}
	return nil
}

func mapSlice(v any) []map[string]any {
	var out []map[string]any
	for _, e := range anySlice(v) {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
