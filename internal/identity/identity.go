// Package identity scores broker listings against PII profiles. Two stages:
// a weighted heuristic over name/location/age/phone/relatives, then an
// optional LLM verification pass for borderline confidence scores.
package identity

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
)

var (
	suffixPattern     = regexp.MustCompile(`(?i)\b(jr\.?|sr\.?|ii|iii|iv|v|esq\.?|phd|md|dds|dvm)\b`)
	whitespacePattern = regexp.MustCompile(`\s+`)
	nonDigitPattern   = regexp.MustCompile(`\D`)
)

// NormalizeName lowercases, strips generational and professional suffixes,
// and collapses whitespace.
func NormalizeName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = suffixPattern.ReplaceAllString(n, "")
	n = strings.NewReplacer(",", " ", ".", " ").Replace(n)
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(n, " "))
}

func ratio(a, b string) float64 {
	if a == b {
		return 1.0
	}
	longest := max(len([]rune(a)), len([]rune(b)))
	if longest == 0 {
		return 1.0
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(d)/float64(longest)
}

func tokenSortRatio(a, b string) float64 {
	ta := strings.Fields(a)
	tb := strings.Fields(b)
	sort.Strings(ta)
	sort.Strings(tb)
	return ratio(strings.Join(ta, " "), strings.Join(tb, " "))
}

// NamesMatch compares two person names. Score bands: 1.0 exact after
// normalisation, >=0.92 token-sorted fuzzy, 0.75 first+last with differing
// middle, 0.65 initial match, discounted fuzzy below that.
func NamesMatch(a, b string) (bool, float64) {
	na, nb := NormalizeName(a), NormalizeName(b)
	if na == nb && na != "" {
		return true, 1.0
	}

	tokenScore := tokenSortRatio(na, nb)
	if tokenScore >= 0.92 {
		return true, tokenScore
	}

	pa, pb := strings.Fields(na), strings.Fields(nb)
	if len(pa) >= 2 && len(pb) >= 2 {
		if ratio(pa[0], pb[0]) >= 0.85 && ratio(pa[len(pa)-1], pb[len(pb)-1]) >= 0.85 {
			return true, 0.75
		}
		initialA := len(pa[0]) == 1 && strings.HasPrefix(pb[0], pa[0])
		initialB := len(pb[0]) == 1 && strings.HasPrefix(pa[0], pb[0])
		if (initialA || initialB) && ratio(pa[len(pa)-1], pb[len(pb)-1]) >= 0.85 {
			return true, 0.65
		}
	}

	if tokenScore >= 0.70 {
		return true, tokenScore * 0.8
	}
	return false, tokenScore
}

var stateAbbrevs = map[string]string{
	"ALABAMA": "AL", "ALASKA": "AK", "ARIZONA": "AZ", "ARKANSAS": "AR",
	"CALIFORNIA": "CA", "COLORADO": "CO", "CONNECTICUT": "CT", "DELAWARE": "DE",
	"FLORIDA": "FL", "GEORGIA": "GA", "HAWAII": "HI", "IDAHO": "ID",
	"ILLINOIS": "IL", "INDIANA": "IN", "IOWA": "IA", "KANSAS": "KS",
	"KENTUCKY": "KY", "LOUISIANA": "LA", "MAINE": "ME", "MARYLAND": "MD",
	"MASSACHUSETTS": "MA", "MICHIGAN": "MI", "MINNESOTA": "MN", "MISSISSIPPI": "MS",
	"MISSOURI": "MO", "MONTANA": "MT", "NEBRASKA": "NE", "NEVADA": "NV",
	"NEW HAMPSHIRE": "NH", "NEW JERSEY": "NJ", "NEW MEXICO": "NM", "NEW YORK": "NY",
	"NORTH CAROLINA": "NC", "NORTH DAKOTA": "ND", "OHIO": "OH", "OKLAHOMA": "OK",
	"OREGON": "OR", "PENNSYLVANIA": "PA", "RHODE ISLAND": "RI",
	"SOUTH CAROLINA": "SC", "SOUTH DAKOTA": "SD", "TENNESSEE": "TN", "TEXAS": "TX",
	"UTAH": "UT", "VERMONT": "VT", "VIRGINIA": "VA", "WASHINGTON": "WA",
	"WEST VIRGINIA": "WV", "WISCONSIN": "WI", "WYOMING": "WY",
	"DISTRICT OF COLUMBIA": "DC",
}

func normalizeState(state string) string {
	s := strings.ToUpper(strings.TrimSpace(state))
	if abbr, ok := stateAbbrevs[s]; ok {
		return abbr
	}
	return s
}

// LocationMatches compares a "City, ST" listing location against profile
// addresses. Current addresses score higher than prior ones.
func LocationMatches(listingLocation string, addresses []map[string]any) (bool, float64) {
	if listingLocation == "" || len(addresses) == 0 {
		return false, 0.0
	}

	parts := strings.Split(listingLocation, ",")
	city := strings.ToLower(strings.TrimSpace(parts[0]))
	state := ""
	if len(parts) > 1 {
		state = normalizeState(parts[1])
	}

	best := 0.0
	for _, addr := range addresses {
		addrCity := strings.ToLower(str(addr["city"]))
		addrState := normalizeState(str(addr["state"]))
		if addrCity == "" {
			continue
		}

		cityScore := ratio(city, addrCity)
		stateMatch := state == "" || addrState == "" || state == addrState

		switch {
		case cityScore >= 0.90 && stateMatch:
			score := 0.85
			if current, _ := addr["current"].(bool); current {
				score = 1.0
			}
			best = max(best, score)
		case cityScore >= 0.90:
			best = max(best, 0.3)
		case stateMatch && state != "" && addrState != "":
			best = max(best, 0.15)
		}
	}
	return best >= 0.5, best
}

// AgeMatches compares a listing age against the age computed from a
// YYYY-MM-DD date of birth, with a two-year tolerance.
func AgeMatches(listingAge any, dateOfBirth string, now time.Time) (bool, float64) {
	age, ok := toInt(listingAge)
	if !ok || dateOfBirth == "" {
		return false, 0.0
	}
	dob, err := time.Parse("2006-01-02", dateOfBirth)
	if err != nil {
		return false, 0.0
	}

	calculated := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		calculated--
	}

	diff := calculated - age
	if diff < 0 {
		diff = -diff
	}
	switch {
	case diff == 0:
		return true, 1.0
	case diff <= 2:
		return true, 1.0 - float64(diff)*0.1
	default:
		return false, max(0.0, 1.0-float64(diff)*0.15)
	}
}

func normalizePhone(phone string) string {
	digits := nonDigitPattern.ReplaceAllString(phone, "")
	if len(digits) == 11 && strings.HasPrefix(digits, "1") {
		digits = digits[1:]
	}
	return digits
}

// PhoneMatches compares a listing phone against profile phone numbers;
// matching last-seven digits count with a differing area code.
func PhoneMatches(listingPhone string, phones []map[string]any) (bool, float64) {
	norm := normalizePhone(listingPhone)
	if len(norm) < 7 || len(phones) == 0 {
		return false, 0.0
	}
	for _, p := range phones {
		pn := normalizePhone(str(p["number"]))
		if pn == "" {
			continue
		}
		if norm == pn {
			return true, 1.0
		}
		if len(pn) >= 7 && norm[len(norm)-7:] == pn[len(pn)-7:] {
			return true, 0.7
		}
	}
	return false, 0.0
}

// RelativesMatch checks listing relatives against profile relatives; the
// score is the proportion of profile relatives found.
func RelativesMatch(listingRelatives, profileRelatives []string) (bool, float64) {
	if len(listingRelatives) == 0 || len(profileRelatives) == 0 {
		return false, 0.0
	}
	matches := 0
	for _, lr := range listingRelatives {
		for _, pr := range profileRelatives {
			if ok, score := NamesMatch(lr, pr); ok && score >= 0.7 {
				matches++
				break
			}
		}
	}
	if matches == 0 {
		return false, 0.0
	}
	score := min(1.0, float64(matches)/float64(len(profileRelatives)))
	return true, score
}

// FieldWeights is the default weighting for combining field scores.
var FieldWeights = map[string]float64{
	"name":      0.35,
	"location":  0.25,
	"age":       0.15,
	"phone":     0.10,
	"relatives": 0.15,
}

// MatchResult is the outcome of scoring one listing against one profile.
type MatchResult struct {
	Listing        map[string]any     `json:"listing"`
	Confidence     float64            `json:"confidence"`
	MatchedFields  map[string]float64 `json:"matched_fields"`
	NeedsLLMVerify bool               `json:"needs_llm_verify"`
}

// HeuristicMatch scores a listing against a decrypted profile. Only fields
// present on both sides contribute; confidence is the weighted mean of the
// contributing scores. Scores in [0.4, 0.8] are flagged for LLM review.
func HeuristicMatch(listing, profile map[string]any) MatchResult {
	matched := map[string]float64{}
	weightedSum, totalWeight := 0.0, 0.0

	if name := str(listing["name"]); name != "" {
		best := 0.0
		candidates := []string{str(profile["full_name"])}
		candidates = append(candidates, strSlice(profile["aliases"])...)
		for _, c := range candidates {
			if c == "" {
				continue
			}
			_, score := NamesMatch(name, c)
			best = max(best, score)
		}
		matched["name"] = best
		weightedSum += best * FieldWeights["name"]
		totalWeight += FieldWeights["name"]
	}

	if loc := str(listing["location"]); loc != "" {
		if addrs := mapSlice(profile["addresses"]); len(addrs) > 0 {
			_, score := LocationMatches(loc, addrs)
			matched["location"] = score
			weightedSum += score * FieldWeights["location"]
			totalWeight += FieldWeights["location"]
		}
	}

	if listing["age"] != nil {
		if dob := str(profile["date_of_birth"]); dob != "" {
			_, score := AgeMatches(listing["age"], dob, time.Now())
			matched["age"] = score
			weightedSum += score * FieldWeights["age"]
			totalWeight += FieldWeights["age"]
		}
	}

	if phone := str(listing["phone"]); phone != "" {
		if phones := mapSlice(profile["phone_numbers"]); len(phones) > 0 {
			_, score := PhoneMatches(phone, phones)
			matched["phone"] = score
			weightedSum += score * FieldWeights["phone"]
			totalWeight += FieldWeights["phone"]
		}
	}

	if rels := strSlice(listing["relatives"]); len(rels) > 0 {
		if profileRels := strSlice(profile["relatives"]); len(profileRels) > 0 {
			_, score := RelativesMatch(rels, profileRels)
			matched["relatives"] = score
			weightedSum += score * FieldWeights["relatives"]
			totalWeight += FieldWeights["relatives"]
		}
	}

	confidence := 0.0
	if totalWeight > 0 {
		confidence = weightedSum / totalWeight
	}
	confidence = float64(int(confidence*10000+0.5)) / 10000

	return MatchResult{
		Listing:        listing,
		Confidence:     confidence,
		MatchedFields:  matched,
		NeedsLLMVerify: confidence >= 0.4 && confidence <= 0.8,
	}
}

func str(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", x)
	}
}

func toInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		return n, err == nil
	}
	return 0, false
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

func mapSlice(v any) []map[string]any {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, e := range list {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
