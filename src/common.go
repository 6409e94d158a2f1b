package main

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// createDirIfNotExists creates dir unless it already exists. The data
// directories may live in /tmp and vanish on reboot.
func createDirIfNotExists(dir string) error {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		log.Debug("[Main] Creating directory ", dir, " as it doesn't exist")
		return os.MkdirAll(dir, 0755)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.Errorf("%s is not a directory", dir)
	}
	return nil
}

func createDirs(dirs ...string) error {
	for _, dir := range dirs {
		if err := createDirIfNotExists(dir); err != nil {
			return err
		}
	}
	return nil
}
