// Package k8sforward implements control.PortForwarding using
// k8s.io/client-go port-forward SPDY streaming, for when the agent detects
// it is running inside a pod (cmn/k8s.Init's HOSTNAME/POD_NAMESPACE
// detection).
//
// Grounded on cmn/k8s/k8s.go's client-go wiring (in-cluster config,
// Clientset construction, pod lookup by name/namespace) extended with the
// forward/unforward RPC pair.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package k8sforward

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/transport/spdy"

	"github.com/tunnelrun/agentd/control"
)

// Forwarder implements control.PortForwarding against the pod this process
// runs in, forwarding a local port to the same port inside the pod so a
// tunnel client can reach a service the agent starts (e.g. a debug server)
// without its own ingress.
type Forwarder struct {
	config    *rest.Config
	clientset *kubernetes.Clientset
	podName   string
	namespace string

	mu      sync.Mutex
	active  map[int]chan struct{} // port -> stopCh
	events  chan control.PortEvent
}

func New(config *rest.Config, podName, namespace string) (*Forwarder, error) {
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("k8sforward: build clientset: %w", err)
	}
	return &Forwarder{
		config:    config,
		clientset: clientset,
		podName:   podName,
		namespace: namespace,
		active:    make(map[int]chan struct{}),
		events:    make(chan control.PortEvent, 8),
	}, nil
}

// NewInCluster builds a Forwarder from the pod's mounted service-account
// config (cmn/k8s.Init's detection path), naming the pod after POD_NAME/
// HOSTNAME and POD_NAMESPACE. Returns an error when not running in a pod,
// which callers treat as "port forwarding unavailable" rather than fatal.
func NewInCluster() (*Forwarder, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("k8sforward: not running in-cluster: %w", err)
	}
	podName := os.Getenv("POD_NAME")
	if podName == "" {
		podName = os.Getenv("HOSTNAME")
	}
	namespace := os.Getenv("POD_NAMESPACE")
	if namespace == "" {
		namespace = "default"
	}
	return New(config, podName, namespace)
}

func (f *Forwarder) Events() <-chan control.PortEvent { return f.events }

// Forward starts a port-forward session to the named pod on port, returning
// the loopback URI a client can connect to.
func (f *Forwarder) Forward(ctx context.Context, port int) (string, error) {
	f.mu.Lock()
	if _, exists := f.active[port]; exists {
		f.mu.Unlock()
		return fmt.Sprintf("http://127.0.0.1:%d", port), nil
	}
	stopCh := make(chan struct{})
	f.active[port] = stopCh
	f.mu.Unlock()

	req := f.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(f.namespace).
		Name(f.podName).
		SubResource("portforward")

	transport, upgrader, err := spdy.RoundTripperFor(f.config)
	if err != nil {
		f.removeActive(port)
		return "", fmt.Errorf("k8sforward: round tripper: %w", err)
	}
	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, "POST", req.URL())

	readyCh := make(chan struct{})
	ports := []string{fmt.Sprintf("%d:%d", port, port)}
	pf, err := portforward.New(dialer, ports, stopCh, readyCh, nil, nil)
	if err != nil {
		f.removeActive(port)
		return "", fmt.Errorf("k8sforward: new forwarder: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- pf.ForwardPorts() }()

	select {
	case <-readyCh:
	case err := <-errCh:
		f.removeActive(port)
		return "", fmt.Errorf("k8sforward: forward ports: %w", err)
	case <-ctx.Done():
		close(stopCh)
		f.removeActive(port)
		return "", ctx.Err()
	}

	go func() {
		err := <-errCh
		f.removeActive(port)
		f.events <- control.PortEvent{Port: port, Closed: true, Err: err}
	}()

	return fmt.Sprintf("http://127.0.0.1:%d", port), nil
}

func (f *Forwarder) Unforward(_ context.Context, port int) error {
	f.mu.Lock()
	stopCh, ok := f.active[port]
	delete(f.active, port)
	f.mu.Unlock()
	if !ok {
		return nil
	}
	close(stopCh)
	return nil
}

func (f *Forwarder) removeActive(port int) {
	f.mu.Lock()
	delete(f.active, port)
	f.mu.Unlock()
}
