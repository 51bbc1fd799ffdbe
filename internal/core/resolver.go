package core

import (
	"reflect"
	"strings"
	"time"
)

// InventoryResolverFunc is the uniform callable every resolver definition is
// normalized into.
type InventoryResolverFunc func(subject Subject, moment time.Time, config map[string]any) any

// InventoryResolver is the conventional interface shape for resolvers
// supplied as values rather than functions.
type InventoryResolver interface {
	Resolve(subject Subject, moment time.Time, config map[string]any) any
}

// InventoryGateConfig is the configuration block consumed by the inventory
// gate. Resolvers selects a definition per subject class, with "*" as a
// wildcard; Resolver is the global fallback. Catalog maps names used by
// string and pair definitions to constructors, standing in for
// instantiate-by-name.
//
// A definition may be an [InventoryResolverFunc] (or a func of that shape),
// a value implementing [InventoryResolver], a catalog name, a catalog name
// with an explicit method ("name@Method"), or a two-element pair of
// name-or-instance and method name. Anything else yields no resolver.
type InventoryGateConfig struct {
	Resolver  any
	Resolvers map[string]any
	Catalog   map[string]func() any
}

// normalizeFor picks the definition for the class (exact, then wildcard, then
// global) and normalizes it into a callable, or nil if none applies.
func (c InventoryGateConfig) normalizeFor(class string) InventoryResolverFunc {
	if def, ok := c.Resolvers[class]; ok {
		if resolver := c.normalize(def); resolver != nil {
			return resolver
		}
	}
	if def, ok := c.Resolvers["*"]; ok {
		if resolver := c.normalize(def); resolver != nil {
			return resolver
		}
	}
	return c.normalize(c.Resolver)
}

func (c InventoryGateConfig) normalize(definition any) InventoryResolverFunc {
	switch def := definition.(type) {
	case nil:
		return nil
	case InventoryResolverFunc:
		return def
	case func(Subject, time.Time, map[string]any) any:
		return def
	case InventoryResolver:
		return def.Resolve
	case string:
		return c.normalizeName(def)
	case []any:
		return c.normalizePair(def)
	default:
		return nil
	}
}

// normalizeName handles "name" and "name@Method" definitions through the
// catalog.
func (c InventoryGateConfig) normalizeName(def string) InventoryResolverFunc {
	name, method, hasMethod := strings.Cut(def, "@")

	construct, ok := c.Catalog[name]
	if !ok || construct == nil {
		return nil
	}
	instance := construct()
	if instance == nil {
		return nil
	}

	if hasMethod {
		return bindResolverMethod(instance, method)
	}
	if resolver := c.normalizeInstance(instance); resolver != nil {
		return resolver
	}
	return bindResolverMethod(instance, "Resolve")
}

func (c InventoryGateConfig) normalizePair(def []any) InventoryResolverFunc {
	if len(def) != 2 {
		return nil
	}
	method, ok := asString(def[1])
	if !ok {
		return nil
	}

	instance := def[0]
	if name, ok := asString(def[0]); ok {
		construct, found := c.Catalog[name]
		if !found || construct == nil {
			return nil
		}
		instance = construct()
	}
	if instance == nil {
		return nil
	}

	return bindResolverMethod(instance, method)
}

func (c InventoryGateConfig) normalizeInstance(instance any) InventoryResolverFunc {
	switch v := instance.(type) {
	case InventoryResolverFunc:
		return v
	case func(Subject, time.Time, map[string]any) any:
		return v
	case InventoryResolver:
		return v.Resolve
	default:
		return nil
	}
}

var (
	subjectType = reflect.TypeOf((*Subject)(nil)).Elem()
	momentType  = reflect.TypeOf(time.Time{})
	configType  = reflect.TypeOf(map[string]any{})
)

// bindResolverMethod binds a named method with the resolver signature on an
// arbitrary instance. Methods with any other shape yield nil.
func bindResolverMethod(instance any, method string) InventoryResolverFunc {
	if method == "" {
		return nil
	}

	value := reflect.ValueOf(instance).MethodByName(method)
	if !value.IsValid() {
		return nil
	}

	signature := value.Type()
	if signature.NumIn() != 3 || signature.NumOut() != 1 {
		return nil
	}
	if signature.In(0) != subjectType || signature.In(1) != momentType || signature.In(2) != configType {
		return nil
	}

	return func(subject Subject, moment time.Time, config map[string]any) any {
		results := value.Call([]reflect.Value{
			reflect.ValueOf(subject),
			reflect.ValueOf(moment),
			reflect.ValueOf(config),
		})
		return results[0].Interface()
	}
}

// subjectClass is the memoization key for resolver selection: the subject's
// declared class name when it provides one, otherwise its Go type.
func subjectClass(subject Subject) string {
	if namer, ok := subject.(ClassNamer); ok {
		if name := namer.ClassName(); name != "" {
			return name
		}
	}
	return strings.TrimPrefix(reflect.TypeOf(subject).String(), "*")
}
