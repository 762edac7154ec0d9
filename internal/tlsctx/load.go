package tlsctx

import (
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

const (
	maxCertFileSize = 5 * 1024 * 1024 // 5MB
	maxPEMBlockSize = 1 * 1024 * 1024 // 1MB
	maxPEMBlocks    = 100
)

// LoadFiles reads a PEM certificate chain and private key from disk.
func LoadFiles(certPath, keyPath string) (certPEM, keyPEM []byte, err error) {
	if certPEM, err = readPEMFile(certPath); err != nil {
		return nil, nil, fmt.Errorf("certificate %s: %w", certPath, err)
	}
	if keyPEM, err = readPEMFile(keyPath); err != nil {
		return nil, nil, fmt.Errorf("key %s: %w", keyPath, err)
	}
	return certPEM, keyPEM, nil
}

// readPEMFile safely loads and validates a PEM file.
func readPEMFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot stat file: %w", err)
	}
	if info.Size() > maxCertFileSize {
		return nil, fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), maxCertFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read file: %w", err)
	}
	if err := validatePEMData(data); err != nil {
		return nil, fmt.Errorf("invalid PEM data: %w", err)
	}
	return data, nil
}

// validatePEMData bounds the number and size of PEM blocks.
func validatePEMData(data []byte) error {
	var blockCount int
	for remaining := data; len(remaining) > 0; {
		block, rest := pem.Decode(remaining)
		if block == nil {
			break
		}
		blockCount++
		if blockCount > maxPEMBlocks {
			return errors.New("too many PEM blocks")
		}
		if len(block.Bytes) > maxPEMBlockSize {
			return fmt.Errorf("PEM block too large: %d bytes", len(block.Bytes))
		}
		remaining = rest
	}
	if blockCount == 0 {
		return errors.New("no valid PEM blocks found")
	}
	return nil
}
