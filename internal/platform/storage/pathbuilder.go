package storage

import (
	"fmt"
	"path"
	"strings"
)

// PaymentProofPath composes the object key for a payment proof upload. The upload id keeps
// retried uploads from overwriting an object an earlier attempt may still reference.
func PaymentProofPath(orderCode, uploadID, fileName string) (string, error) {
	code, err := validateSegment("orderCode", orderCode)
	if err != nil {
		return "", err
	}
	id, err := validateSegment("uploadID", uploadID)
	if err != nil {
		return "", err
	}
	name, err := validateFileName(fileName)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("payments/orders/%s/%s%s", code, id, strings.ToLower(path.Ext(name))), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}

func validateFileName(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "upload", nil
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: fileName contains invalid path characters")
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: fileName contains invalid traversal sequence")
	}
	return value, nil
}
