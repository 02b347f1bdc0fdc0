// Package kafka starts a single broker Kafka cluster for tests
package kafka

import (
	"fmt"
	"strconv"
	"testing"

	"github.com/ory/dockertest/v3"
	dc "github.com/ory/dockertest/v3/docker"

	"github.com/rudderlabs/rudder-ingestion-router/testhelper"
)

type Resource struct {
	Port string
}

// Setup runs zookeeper and a broker advertising itself on a free localhost port
func Setup(pool *dockertest.Pool, t testing.TB) (*Resource, error) {
	network, err := pool.Client.CreateNetwork(dc.CreateNetworkOptions{Name: "kafka_network_" + strconv.Itoa(testhelper.MustFreePort(t))})
	if err != nil {
		return nil, fmt.Errorf("could not create docker network: %w", err)
	}
	t.Cleanup(func() {
		if err := pool.Client.RemoveNetwork(network.ID); err != nil {
			t.Logf("Could not remove kafka network: %v", err)
		}
	})

	zookeeperContainer, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "confluentinc/cp-zookeeper",
		Tag:        "7.0.0",
		NetworkID:  network.ID,
		Hostname:   "zookeeper",
		Env:        []string{"ZOOKEEPER_CLIENT_PORT=2181"},
	})
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() {
		if err := pool.Purge(zookeeperContainer); err != nil {
			t.Logf("Could not purge zookeeper resource: %v", err)
		}
	})

	localhostPort := testhelper.MustFreePort(t)
	advertisedListeners := fmt.Sprintf("INTERNAL://broker:9090,EXTERNAL://localhost:%d", localhostPort)
	t.Log("KAFKA_ADVERTISED_LISTENERS", advertisedListeners)

	kafkaContainer, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "confluentinc/cp-kafka",
		Tag:        "7.0.0",
		NetworkID:  network.ID,
		Hostname:   "broker",
		PortBindings: map[dc.Port][]dc.PortBinding{
			"9092/tcp": {{HostIP: "localhost", HostPort: fmt.Sprintf("%d/tcp", localhostPort)}},
		},
		Env: []string{
			"KAFKA_BROKER_ID=1",
			"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP=INTERNAL:PLAINTEXT,EXTERNAL:PLAINTEXT",
			"KAFKA_ADVERTISED_LISTENERS=" + advertisedListeners,
			"KAFKA_LISTENERS=INTERNAL://broker:9090,EXTERNAL://:9092",
			"KAFKA_ZOOKEEPER_CONNECT=zookeeper:2181",
			"KAFKA_INTER_BROKER_LISTENER_NAME=INTERNAL",
			"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR=1",
		},
	})
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() {
		if err := pool.Purge(kafkaContainer); err != nil {
			t.Logf("Could not purge kafka resource: %v", err)
		}
	})

	return &Resource{Port: kafkaContainer.GetPort("9092/tcp")}, nil
}
