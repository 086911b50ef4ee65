package ordersync

import "strings"

// Keyword sets checked against the remote error description, in fixed
// precedence order. Remote descriptions mix locales, so both English and
// Russian phrasings observed in the wild are listed.
var (
	validationKeywords = []string{
		"validation",
		"invalid",
		"required field",
		"must be",
		"not valid",
		"некорректн",
		"обязательн",
	}
	permissionKeywords = []string{
		"permission",
		"forbidden",
		"not allowed",
		"access denied",
		"unauthorized",
		"доступ запрещ",
		"нет прав",
	}
	duplicateKeywords = []string{
		"duplicate",
		"already exists",
		"уже существует",
		"дубл",
	}
	networkKeywords = []string{
		"timeout",
		"timed out",
		"connection",
		"network",
		"unreachable",
		"econnrefused",
		"temporarily unavailable",
	}
)

// Classify maps a raw remote error payload to the retry taxonomy. First
// matching keyword set wins; an unmatched description falls back to the raw
// code when present, else UNKNOWN. Always returns a classification.
func Classify(code, description string) RemoteError {
	normalized := strings.ToLower(strings.TrimSpace(description))

	kind := KindUnknown
	switch {
	case containsAny(normalized, validationKeywords):
		kind = KindValidation
	case containsAny(normalized, permissionKeywords):
		kind = KindPermission
	case containsAny(normalized, duplicateKeywords):
		kind = KindDuplicate
	case containsAny(normalized, networkKeywords):
		kind = KindNetwork
	default:
		if c := strings.TrimSpace(code); c != "" {
			kind = kindFromCode(c)
		}
	}

	return RemoteError{
		Kind:    kind,
		Message: strings.TrimSpace(description),
		Code:    strings.TrimSpace(code),
	}
}

func containsAny(text string, keywords []string) bool {
	if text == "" {
		return false
	}
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}

func kindFromCode(code string) ErrorKind {
	switch strings.ToUpper(code) {
	case "VALIDATION", "INVALID_REQUEST", "400", "422":
		return KindValidation
	case "PERMISSION", "FORBIDDEN", "401", "403":
		return KindPermission
	case "DUPLICATE", "CONFLICT", "409":
		return KindDuplicate
	case "NETWORK", "TIMEOUT", "502", "503", "504":
		return KindNetwork
	default:
		return KindUnknown
	}
}
