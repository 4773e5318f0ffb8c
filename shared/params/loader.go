package params

import (
	"io/ioutil"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

var log = logrus.WithField("prefix", "params")

// LoadConfigFile loads, unmarshals, and applies a coordinator config file.
// Values absent from the file keep their current defaults.
func LoadConfigFile(configFileName string) {
	yamlFile, err := ioutil.ReadFile(configFileName) // #nosec G304
	if err != nil {
		log.WithError(err).Fatal("Failed to read coordinator config file.")
	}
	conf := MirageConfig().Copy()
	if err := yaml.UnmarshalStrict(yamlFile, conf); err != nil {
		log.WithError(err).Fatal("Failed to parse coordinator config yaml file.")
	}
	log.Debugf("Config file values: %+v", conf)
	OverrideMirageConfig(conf)
}

// LoadNetworkConfigFile loads, unmarshals, and applies an overlay transport
// config file.
func LoadNetworkConfigFile(configFileName string) {
	yamlFile, err := ioutil.ReadFile(configFileName) // #nosec G304
	if err != nil {
		log.WithError(err).Fatal("Failed to read network config file.")
	}
	conf := OverlayNetworkConfig().Copy()
	if err := yaml.UnmarshalStrict(yamlFile, conf); err != nil {
		log.WithError(err).Fatal("Failed to parse network config yaml file.")
	}
	OverrideOverlayNetworkConfig(conf)
}
