// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cachingservice

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/stacklok/apigw/pkg/api/errors"
	"github.com/stacklok/apigw/pkg/apiml"
	"github.com/stacklok/apigw/pkg/logger"
)

// Message numbers of the cache API.
const (
	MsgMissingServiceID = "ZWECS100E"
	MsgKeyNotInCache    = "ZWECS101E"
	MsgDuplicateKey     = "ZWECS102E"
	MsgKeyNotProvided   = "ZWECS103E"
	MsgInvalidPayload   = "ZWECS104E"
	MsgStorageFailure   = "ZWECS105E"
)

// CacheRoutes serves the cache API over a Storage.
type CacheRoutes struct {
	storage Storage
}

// NewCacheRoutes creates the cache API handlers.
func NewCacheRoutes(storage Storage) *CacheRoutes {
	return &CacheRoutes{storage: storage}
}

// Router returns the routes, to be mounted at APIPath.
func (c *CacheRoutes) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/cache", apierrors.ErrorHandler(c.readAll))
	r.Delete("/cache", apierrors.ErrorHandler(c.deleteAll))
	r.Post("/cache", apierrors.ErrorHandler(c.create))
	r.Put("/cache", apierrors.ErrorHandler(c.update))
	r.Get("/cache/{key}", apierrors.ErrorHandler(c.read))
	r.Delete("/cache/{key}", apierrors.ErrorHandler(c.delete))
	return r
}

// serviceID identifies the caller's partition. When both headers are set
// the partition is specific to the pair.
func serviceID(r *http.Request) (string, error) {
	dn := strings.TrimSpace(r.Header.Get(HeaderCertificateDN))
	specific := strings.TrimSpace(r.Header.Get(HeaderServiceID))
	switch {
	case dn != "" && specific != "":
		return dn + ", SERVICE=" + specific, nil
	case specific != "":
		return specific, nil
	case dn != "":
		return dn, nil
	default:
		return "", apierrors.NewMessageError(http.StatusUnauthorized, MsgMissingServiceID,
			"org.zowe.apiml.cache.missingCertificate",
			"No authentication provided in request. Provide a client certificate or the "+HeaderServiceID+" header.", nil)
	}
}

// storageError maps a storage failure to the response the caller receives.
func storageError(err error, key string) error {
	switch {
	case errors.Is(err, apiml.ErrNotFound):
		return apierrors.NewMessageError(http.StatusNotFound, MsgKeyNotInCache,
			"org.zowe.apiml.cache.keyNotInCache", "Key '%s' is not in the cache", err, key)
	case errors.Is(err, apiml.ErrConflict):
		return apierrors.NewMessageError(http.StatusConflict, MsgDuplicateKey,
			"org.zowe.apiml.cache.keyCollision", "Key '%s' already exists in the cache", err, key)
	default:
		return apierrors.NewMessageError(http.StatusInternalServerError, MsgStorageFailure,
			"org.zowe.apiml.cache.internalError", "Internal error when accessing the cache storage", err)
	}
}

func decodeKeyValue(r *http.Request) (KeyValue, error) {
	var kv KeyValue
	if err := json.NewDecoder(io.LimitReader(r.Body, maxResponseBodySize)).Decode(&kv); err != nil {
		return KeyValue{}, apierrors.NewMessageError(http.StatusBadRequest, MsgInvalidPayload,
			"org.zowe.apiml.cache.invalidPayload", "Invalid payload: %s", err, err.Error())
	}
	if kv.Key == "" {
		return KeyValue{}, errKeyNotProvided()
	}
	return kv, nil
}

func errKeyNotProvided() error {
	return apierrors.NewMessageError(http.StatusBadRequest, MsgKeyNotProvided,
		"org.zowe.apiml.cache.keyNotProvided", "No key provided in the request", nil)
}

// readAll
//
//	@Summary	List the caller's entries
//	@Produce	json
//	@Success	200	{object}	map[string]KeyValue
//	@Failure	401	{object}	apierrors.Envelope
//	@Router		/cachingservice/api/v1/cache [get]
func (c *CacheRoutes) readAll(w http.ResponseWriter, r *http.Request) error {
	id, err := serviceID(r)
	if err != nil {
		return err
	}
	entries, err := c.storage.ReadAll(r.Context(), id)
	if err != nil {
		return storageError(err, "")
	}
	out := make(map[string]KeyValue, len(entries))
	for _, kv := range entries {
		out[kv.Key] = kv
	}
	return writeJSON(w, http.StatusOK, out)
}

// deleteAll
//
//	@Summary	Evict all of the caller's entries
//	@Success	200
//	@Failure	401	{object}	apierrors.Envelope
//	@Router		/cachingservice/api/v1/cache [delete]
func (c *CacheRoutes) deleteAll(w http.ResponseWriter, r *http.Request) error {
	id, err := serviceID(r)
	if err != nil {
		return err
	}
	if err := c.storage.DeleteAll(r.Context(), id); err != nil {
		return storageError(err, "")
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

// create
//
//	@Summary	Create an entry
//	@Accept		json
//	@Param		entry	body	KeyValue	true	"Entry"
//	@Success	201
//	@Failure	400	{object}	apierrors.Envelope
//	@Failure	409	{object}	apierrors.Envelope
//	@Router		/cachingservice/api/v1/cache [post]
func (c *CacheRoutes) create(w http.ResponseWriter, r *http.Request) error {
	id, err := serviceID(r)
	if err != nil {
		return err
	}
	kv, err := decodeKeyValue(r)
	if err != nil {
		return err
	}
	if err := c.storage.Create(r.Context(), id, kv); err != nil {
		return storageError(err, kv.Key)
	}
	logger.Debugf("Created cache entry %s for %s", kv.Key, id)
	w.WriteHeader(http.StatusCreated)
	return nil
}

// update
//
//	@Summary	Replace an entry
//	@Accept		json
//	@Param		entry	body	KeyValue	true	"Entry"
//	@Success	204
//	@Failure	404	{object}	apierrors.Envelope
//	@Router		/cachingservice/api/v1/cache [put]
func (c *CacheRoutes) update(w http.ResponseWriter, r *http.Request) error {
	id, err := serviceID(r)
	if err != nil {
		return err
	}
	kv, err := decodeKeyValue(r)
	if err != nil {
		return err
	}
	if err := c.storage.Update(r.Context(), id, kv); err != nil {
		return storageError(err, kv.Key)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// read
//
//	@Summary	Read an entry
//	@Produce	json
//	@Param		key	path		string	true	"Key"
//	@Success	200	{object}	KeyValue
//	@Failure	404	{object}	apierrors.Envelope
//	@Router		/cachingservice/api/v1/cache/{key} [get]
func (c *CacheRoutes) read(w http.ResponseWriter, r *http.Request) error {
	id, err := serviceID(r)
	if err != nil {
		return err
	}
	key := chi.URLParam(r, "key")
	if key == "" {
		return errKeyNotProvided()
	}
	kv, err := c.storage.Read(r.Context(), id, key)
	if err != nil {
		return storageError(err, key)
	}
	return writeJSON(w, http.StatusOK, kv)
}

// delete
//
//	@Summary	Delete an entry
//	@Param		key	path	string	true	"Key"
//	@Success	204
//	@Failure	404	{object}	apierrors.Envelope
//	@Router		/cachingservice/api/v1/cache/{key} [delete]
func (c *CacheRoutes) delete(w http.ResponseWriter, r *http.Request) error {
	id, err := serviceID(r)
	if err != nil {
		return err
	}
	key := chi.URLParam(r, "key")
	if key == "" {
		return errKeyNotProvided()
	}
	if err := c.storage.Delete(r.Context(), id, key); err != nil {
		return storageError(err, key)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugf("Failed to write response: %v", err)
	}
	return nil
}
