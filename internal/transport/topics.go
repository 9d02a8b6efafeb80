package transport

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const apiVersion = "2018-06-30"

const (
	twinResponseFilter = "$link/twin/res/#"
	desiredPatchFilter = "$link/twin/PATCH/properties/desired/#"
	methodPostFilter   = "$link/methods/POST/#"

	twinResponsePrefix = "$link/twin/res/"
	methodPostPrefix   = "$link/methods/POST/"
)

func eventsTopic(deviceID, encodedProperties string) string {
	return "devices/" + deviceID + "/messages/events/" + encodedProperties
}

func cloudToDeviceFilter(deviceID string) string {
	return "devices/" + deviceID + "/messages/devicebound/#"
}

func twinGetTopic(rid string) string {
	return "$link/twin/GET/?$rid=" + rid
}

func reportedPatchTopic(rid string) string {
	return "$link/twin/PATCH/properties/reported/?$rid=" + rid
}

func methodResponseTopic(status int, rid string) string {
	return "$link/methods/res/" + strconv.Itoa(status) + "/?$rid=" + rid
}

// parseMethodTopic splits a method invocation topic
// "$link/methods/POST/<name>/?$rid=<id>" into its method name and request
// id. The broker does not restrict method names, so the name may itself
// contain slashes and the split is on the last one.
func parseMethodTopic(topic string) (name, requestID string, err error) {
	rest, ok := strings.CutPrefix(topic, methodPostPrefix)
	if !ok {
		return "", "", fmt.Errorf("not a method invocation topic: %q", topic)
	}
	idx := strings.LastIndex(rest, "/")
	if idx < 0 {
		return "", "", fmt.Errorf("malformed method invocation topic: %q", topic)
	}
	name = rest[:idx]
	values, err := url.ParseQuery(strings.TrimPrefix(rest[idx+1:], "?"))
	if err != nil {
		return "", "", fmt.Errorf("malformed method invocation query in %q: %w", topic, err)
	}
	requestID = values.Get("$rid")
	if name == "" || requestID == "" {
		return "", "", fmt.Errorf("method invocation topic misses name or request id: %q", topic)
	}
	return name, requestID, nil
}

func brokerUsername(hostName, clientID string) string {
	return hostName + "/" + clientID + "/?api-version=" + apiVersion
}

// twinResponse is the broker's answer to a twin GET or reported-properties
// PATCH, correlated back by the request id from the topic.
type twinResponse struct {
	Status    int
	RequestID string
	Version   *uint64
}

// parseTwinResponseTopic decodes "$link/twin/res/<status>/?$rid=<id>" with an
// optional "$version" parameter.
func parseTwinResponseTopic(topic string) (*twinResponse, error) {
	rest, ok := strings.CutPrefix(topic, twinResponsePrefix)
	if !ok {
		return nil, fmt.Errorf("not a twin response topic: %q", topic)
	}
	statusPart, query, _ := strings.Cut(rest, "/?")
	status, err := strconv.Atoi(statusPart)
	if err != nil {
		return nil, fmt.Errorf("malformed twin response status in %q: %w", topic, err)
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("malformed twin response query in %q: %w", topic, err)
	}
	resp := &twinResponse{Status: status, RequestID: values.Get("$rid")}
	if v := values.Get("$version"); v != "" {
		version, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed twin version in %q: %w", topic, err)
		}
		resp.Version = &version
	}
	return resp, nil
}

// parseDesiredVersion extracts the "$version" parameter from a desired
// properties patch topic.
func parseDesiredVersion(topic string) (uint64, error) {
	_, query, ok := strings.Cut(topic, "?")
	if !ok {
		return 0, fmt.Errorf("desired patch topic without version: %q", topic)
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return 0, fmt.Errorf("malformed desired patch topic %q: %w", topic, err)
	}
	version, err := strconv.ParseUint(values.Get("$version"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed desired patch version in %q: %w", topic, err)
	}
	return version, nil
}

// parseCloudToDeviceProperties decodes the url-encoded application
// properties appended after the devicebound segment. System properties
// (keys starting with "$.") are dropped.
func parseCloudToDeviceProperties(topic string) map[string]string {
	idx := strings.Index(topic, "/messages/devicebound/")
	if idx < 0 {
		return nil
	}
	encoded := topic[idx+len("/messages/devicebound/"):]
	values, err := url.ParseQuery(encoded)
	if err != nil {
		return nil
	}
	props := make(map[string]string, len(values))
	for key, vals := range values {
		if strings.HasPrefix(key, "$.") || len(vals) == 0 {
			continue
		}
		props[key] = vals[0]
	}
	return props
}
