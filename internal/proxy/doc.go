// Package proxy implements the request path of the load balancer. Each
// inbound request is buffered, offered to the candidates chosen by the
// selector in order, and answered with the first backend response that
// arrives. Transport failures are recorded and mark the backend as failed;
// when no candidate answers the client receives a 503.
package proxy
